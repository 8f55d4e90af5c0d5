package ai

import (
	"context"
	"fmt"
	"strings"

	"writingbuddy/pkg/domain"
)

// Mock is an offline provider for local development. It answers with a
// short coaching prompt derived from the latest user turn.
type Mock struct {
	model string
}

func NewMock(model string) *Mock {
	if strings.TrimSpace(model) == "" {
		model = "mock"
	}
	return &Mock{model: model}
}

func (p *Mock) GenerateReply(ctx context.Context, _ string, history []Turn, _ int) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, &ProviderError{Provider: ProviderMock, Message: "request cancelled", Err: err}
	}
	last := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			last = history[i].Content
			break
		}
	}
	words := len(strings.Fields(last))
	text := fmt.Sprintf("Thanks! That was %d words. What would you like to write next?", words)
	return Reply{Text: text, Provider: ProviderMock, Model: p.model}, nil
}
