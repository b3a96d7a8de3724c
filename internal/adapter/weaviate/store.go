package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"onboarding/apps/backend/internal/retrieval"
	"onboarding/apps/backend/internal/vector"
)

// Store keeps course chunks in the shared CourseChunk class.
type Store struct {
	client *weaviate.Client
}

var _ retrieval.VectorStore = (*Store)(nil)

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func eq(path, value string) *filters.WhereBuilder {
	return filters.Where().WithPath([]string{path}).WithOperator(filters.Equal).WithValueString(value)
}

func neq(path, value string) *filters.WhereBuilder {
	return filters.Where().WithPath([]string{path}).WithOperator(filters.NotEqual).WithValueString(value)
}

func and(operands ...*filters.WhereBuilder) *filters.WhereBuilder {
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

func (s *Store) ReplaceDocument(ctx context.Context, courseID, docID, generation string, chunks []retrieval.StoredChunk) error {
	for _, c := range chunks {
		_, err := s.client.Data().Creator().
			WithClassName(vector.ClassName).
			WithID(retrieval.ChunkID(courseID, docID, c.Offset, generation)).
			WithProperties(map[string]interface{}{
				"courseId":   courseID,
				"docId":      docID,
				"generation": generation,
				"offset":     c.Offset,
				"chunkIndex": c.ChunkIndex,
				"content":    c.Content,
				"title":      c.Title,
				"url":        c.URL,
			}).
			WithVector(c.Vector).
			Do(ctx)
		if err != nil {
			// Drop the partial generation; the previous one is still in place.
			if rbErr := s.deleteWhere(ctx, and(eq("courseId", courseID), eq("docId", docID), eq("generation", generation))); rbErr != nil {
				slog.ErrorContext(ctx, "failed to remove partial generation", "course_id", courseID, "doc_id", docID, "generation", generation, "error", rbErr)
				return errors.Join(err, rbErr)
			}
			return err
		}
	}

	return s.deleteWhere(ctx, and(eq("courseId", courseID), eq("docId", docID), neq("generation", generation)))
}

func (s *Store) DeleteCourse(ctx context.Context, courseID string) error {
	return s.deleteWhere(ctx, eq("courseId", courseID))
}

func (s *Store) RetainDocuments(ctx context.Context, courseID string, docIDs []string) error {
	operands := []*filters.WhereBuilder{eq("courseId", courseID)}
	for _, id := range docIDs {
		operands = append(operands, neq("docId", id))
	}
	return s.deleteWhere(ctx, and(operands...))
}

func (s *Store) deleteWhere(ctx context.Context, where *filters.WhereBuilder) error {
	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return err
	}
	if resp != nil && resp.Results != nil && resp.Results.Failed > 0 {
		return fmt.Errorf("batch delete: %d objects failed", resp.Results.Failed)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, courseID string, vec []float32, limit int) ([]retrieval.SearchResult, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "docId"},
		{Name: "offset"},
		{Name: "chunkIndex"},
		{Name: "content"},
		{Name: "title"},
		{Name: "url"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithWhere(eq("courseId", courseID)).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, graphQLError(res.Errors)
	}

	results := []retrieval.SearchResult{}
	data, _ := res.Data["Get"].(map[string]interface{})
	objects, _ := data[vector.ClassName].([]interface{})
	for _, o := range objects {
		props, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		r := retrieval.SearchResult{}
		r.DocID, _ = props["docId"].(string)
		r.Content, _ = props["content"].(string)
		r.Title, _ = props["title"].(string)
		r.URL, _ = props["url"].(string)
		if v, ok := props["offset"].(float64); ok {
			r.Offset = int(v)
		}
		if v, ok := props["chunkIndex"].(float64); ok {
			r.ChunkIndex = int(v)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := additional["distance"].(float64); ok {
				r.Score = float32(1 - d)
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, graphQLError(res.Errors)
	}

	data, _ := res.Data["Aggregate"].(map[string]interface{})
	groups, _ := data[vector.ClassName].([]interface{})
	if len(groups) == 0 {
		return 0, nil
	}
	group, _ := groups[0].(map[string]interface{})
	meta, _ := group["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func graphQLError(errs []*models.GraphQLError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return fmt.Errorf("graphql error: %s", strings.Join(msgs, "; "))
}
