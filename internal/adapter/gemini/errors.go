package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"onboarding/apps/backend/internal/llm"
)

// classify maps transport errors onto the llm error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, llm.ErrNotConfigured) || errors.Is(err, llm.ErrEmptyResponse) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", llm.ErrTimeout, err)
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w: %v", llm.ErrMalformedRequest, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", llm.ErrQuotaExceeded, err)
		case apiErr.Code == http.StatusRequestTimeout || apiErr.Code == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", llm.ErrTimeout, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
		case apiErr.Code >= 400:
			return fmt.Errorf("%w: %v", llm.ErrMalformedRequest, err)
		}
	}
	return fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
}
