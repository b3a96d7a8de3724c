package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"onboarding/apps/backend/internal/llm"
)

func str(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: desc}
}

func strList(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeArray, Description: desc, Items: &genai.Schema{Type: genai.TypeString}}
}

var schemas = map[llm.Schema]*genai.Schema{
	llm.SchemaOutline: {
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"course_title":       str("Title of the course"),
			"course_description": str("One paragraph course summary"),
			"modules": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"title":       str("Module title"),
						"description": str("What the module covers"),
					},
					Required: []string{"title", "description"},
				},
			},
		},
		Required: []string{"course_title", "course_description", "modules"},
	},
	llm.SchemaModule: {
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"title":      str("Module title"),
			"overview":   str("Short overview"),
			"content":    str("Module body in markdown"),
			"key_points": strList("Key points"),
			"takeaways":  strList("Practical takeaways"),
		},
		Required: []string{"title", "overview", "content", "key_points", "takeaways"},
	},
	llm.SchemaQuiz: {
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"quiz_title": str("Quiz title"),
			"questions": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"question":      str("Question text"),
						"options":       strList("Exactly four answer options"),
						"correct_index": {Type: genai.TypeInteger, Description: "Zero based index of the correct option"},
						"explanation":   str("Why the answer is correct"),
						"difficulty":    str("easy, medium or hard"),
					},
					Required: []string{"question", "options", "correct_index", "explanation"},
				},
			},
		},
		Required: []string{"quiz_title", "questions"},
	},
}

// Complete runs a JSON-mode completion constrained by schema and returns the
// raw JSON text.
func (c *Client) Complete(ctx context.Context, prompt string, schema llm.Schema) (string, error) {
	rs, ok := schemas[schema]
	if !ok {
		return "", fmt.Errorf("%w: unknown schema %q", llm.ErrMalformedRequest, schema)
	}
	client, s, err := c.session(ctx)
	if err != nil {
		return "", err
	}

	model := client.GenerativeModel(s.GenerationModel)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = rs
	model.SetTemperature(0.4)

	var resp *genai.GenerateContentResponse
	err = c.withRetry(ctx, "complete", func() error {
		var callErr error
		resp, callErr = model.GenerateContent(ctx, genai.Text(prompt))
		return callErr
	})
	if err != nil {
		slog.ErrorContext(ctx, "completion failed", "model", s.GenerationModel, "schema", string(schema), "error", err)
		return "", err
	}

	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}
