package dialogue

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
)

// ArkCompleter runs the full-history strategy through an eino chain
// (system prompt + history placeholder + latest utterance) on an Ark model.
type ArkCompleter struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
}

// NewArkCompleter compiles the chat chain on chatModel.
func NewArkCompleter(ctx context.Context, chatModel model.BaseChatModel, historyLimit int) (*ArkCompleter, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if historyLimit <= 0 {
		historyLimit = 20
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile dialogue chain: %w", err)
	}

	return &ArkCompleter{chain: runnable, historyLimit: historyLimit}, nil
}

// Complete implements Completer.
func (c *ArkCompleter) Complete(ctx context.Context, systemPrompt string, history []simulation.Turn) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("history must contain the utterance to answer")
	}
	latest := history[len(history)-1]

	input := map[string]any{
		"system":  systemPrompt,
		"history": buildHistoryMessages(history[:len(history)-1], c.historyLimit),
		"query":   latest.Text,
	}

	msg, err := c.chain.Invoke(ctx, input)
	if err != nil {
		if isRateLimitMessage(err.Error()) {
			return "", backoff.RateLimited(err)
		}
		return "", fmt.Errorf("failed to run dialogue chain: %w", err)
	}
	if msg == nil {
		return "", ErrEmptyReply
	}

	text := strings.TrimSpace(msg.Content)
	log.Printf("[dialogue] full-history reply session=%s turns=%d length=%d", latest.SessionID, len(history), len(text))
	return text, nil
}

// buildHistoryMessages keeps the most recent limit turns in chat-message form.
func buildHistoryMessages(turns []simulation.Turn, limit int) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	start := 0
	if len(turns) > limit {
		start = len(turns) - limit
	}

	history := make([]*schema.Message, 0, len(turns)-start)
	for _, turn := range turns[start:] {
		switch turn.Speaker {
		case simulation.SpeakerHuman:
			history = append(history, schema.UserMessage(turn.Text))
		case simulation.SpeakerPersona:
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return history
}

// Ark surfaces throttling only in the error text.
func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"429", "toomanyrequests", "too many requests", "ratelimit", "rate limit", "quota exceeded"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
