package openai

import (
	"context"
	"fmt"
	"strings"

	"persona-agent/internal/domain"
)

// MockClient answers in a fixed, chatty register without any network call.
// It is used when USE_MOCK_LLM is set.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Complete(ctx context.Context, _, _ string, turns []domain.ChatMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	last := ""
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" {
			last = strings.TrimSpace(turns[i].Content)
			break
		}
	}
	if last == "" {
		return "hey darlin', you there?", nil
	}
	if len(turns) <= 1 {
		return fmt.Sprintf("well hey there. you said %q, tell me more", last), nil
	}
	return fmt.Sprintf("mm, %q. I been thinkin about that since you last wrote", last), nil
}
