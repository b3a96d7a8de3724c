package vector_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"onboarding/apps/backend/internal/vector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// fakeSchemaServer serves the schema endpoints for a single class and records
// what was created.
type fakeSchemaServer struct {
	mu         sync.Mutex
	class      *models.Class
	created    *models.Class
	added      []string
	failCreate bool
}

func (f *fakeSchemaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	classPath := "/v1/schema/" + vector.ClassName
	switch {
	case r.URL.Path == "/v1/meta":
		_, _ = w.Write([]byte(`{"version":"1.33.6"}`))
	case r.Method == http.MethodGet && r.URL.Path == classPath:
		if f.class == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(f.class)
	case r.Method == http.MethodPost && r.URL.Path == "/v1/schema":
		if f.failCreate {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":[{"message":"class name invalid"}]}`))
			return
		}
		var c models.Class
		_ = json.NewDecoder(r.Body).Decode(&c)
		f.created = &c
		f.class = &c
		_ = json.NewEncoder(w).Encode(&c)
	case r.Method == http.MethodPost && r.URL.Path == classPath+"/properties":
		var p models.Property
		_ = json.NewDecoder(r.Body).Decode(&p)
		f.added = append(f.added, p.Name)
		_ = json.NewEncoder(w).Encode(&p)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newAdapter(t *testing.T, f *fakeSchemaServer) *vector.SchemaAdapter {
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)

	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)
	return vector.NewSchemaAdapter(client)
}

func TestSchemaAdapter_ClassExists(t *testing.T) {
	tests := []struct {
		name  string
		class *models.Class
		want  bool
	}{
		{"missing", nil, false},
		{"present", &models.Class{Class: vector.ClassName}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newAdapter(t, &fakeSchemaServer{class: tt.class})

			exists, err := adapter.ClassExists(context.Background(), vector.ClassName)
			require.NoError(t, err)
			assert.Equal(t, tt.want, exists)
		})
	}
}

func TestSchemaAdapter_GetClass(t *testing.T) {
	adapter := newAdapter(t, &fakeSchemaServer{class: &models.Class{
		Class:      vector.ClassName,
		Properties: []*models.Property{{Name: "courseId", DataType: []string{"string"}}},
	}})

	class, err := adapter.GetClass(context.Background(), vector.ClassName)
	require.NoError(t, err)
	require.Len(t, class.Properties, 1)
	assert.Equal(t, "courseId", class.Properties[0].Name)
}

func TestSchemaAdapter_CreateClassError(t *testing.T) {
	adapter := newAdapter(t, &fakeSchemaServer{failCreate: true})

	err := adapter.CreateClass(context.Background(), &models.Class{Class: vector.ClassName})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create class "+vector.ClassName)
}

func TestEnsureSchema_OverHTTP_CreatesClass(t *testing.T) {
	f := &fakeSchemaServer{}
	adapter := newAdapter(t, f)

	require.NoError(t, vector.EnsureSchema(context.Background(), adapter))

	require.NotNil(t, f.created)
	assert.Equal(t, vector.ClassName, f.created.Class)
	names := make([]string, 0, len(f.created.Properties))
	for _, p := range f.created.Properties {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "courseId")
	assert.Contains(t, names, "generation")
	assert.Empty(t, f.added)
}

func TestEnsureSchema_OverHTTP_AddsMissingProperties(t *testing.T) {
	f := &fakeSchemaServer{class: &models.Class{
		Class: vector.ClassName,
		Properties: []*models.Property{
			{Name: "courseId", DataType: []string{"string"}},
			{Name: "docId", DataType: []string{"string"}},
			{Name: "content", DataType: []string{"text"}},
		},
	}}
	adapter := newAdapter(t, f)

	require.NoError(t, vector.EnsureSchema(context.Background(), adapter))

	assert.Nil(t, f.created)
	assert.ElementsMatch(t, []string{"generation", "offset", "chunkIndex", "title", "url"}, f.added)
}
