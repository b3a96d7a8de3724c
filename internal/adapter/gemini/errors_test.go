package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"onboarding/apps/backend/internal/llm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"quota", &googleapi.Error{Code: 429}, llm.ErrQuotaExceeded},
		{"bad request", &googleapi.Error{Code: 400}, llm.ErrMalformedRequest},
		{"gateway timeout", &googleapi.Error{Code: 504}, llm.ErrTimeout},
		{"server error", &googleapi.Error{Code: 500}, llm.ErrUnavailable},
		{"wrapped", fmt.Errorf("call: %w", &googleapi.Error{Code: 429}), llm.ErrQuotaExceeded},
		{"deadline", context.DeadlineExceeded, llm.ErrTimeout},
		{"network", errors.New("connection reset"), llm.ErrUnavailable},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
	assert.NoError(t, classify(nil))
}
