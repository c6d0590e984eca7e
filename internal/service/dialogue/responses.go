package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
)

// ResponsesContinuer implements the threaded strategy on the OpenAI Responses
// API. The continuation token is the id of the previous response.
type ResponsesContinuer struct {
	client openai.Client
	model  string
}

// NewResponsesContinuer returns nil when cfg is not enabled.
func NewResponsesContinuer(cfg config.ResponsesConfig, opts ...option.RequestOption) *ResponsesContinuer {
	if !cfg.Enabled() {
		return nil
	}

	// 重试由 backoff 控制器负责，SDK 自身不重试。
	clientOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	return &ResponsesContinuer{
		client: openai.NewClient(clientOpts...),
		model:  cfg.Model,
	}
}

// Continue implements Continuer.
func (c *ResponsesContinuer) Continue(ctx context.Context, token, instructions, utterance string) (string, string, error) {
	if strings.TrimSpace(utterance) == "" {
		return "", "", fmt.Errorf("utterance is empty")
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(c.model),
		Input: responses.ResponseNewParamsInputUnion{OfString: param.NewOpt(utterance)},
		Store: param.NewOpt(true),
	}
	if instructions != "" {
		params.Instructions = param.NewOpt(instructions)
	}
	if token != "" {
		params.PreviousResponseID = param.NewOpt(token)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", "", classifyOpenAIError(err)
	}

	text := strings.TrimSpace(resp.OutputText())
	log.Printf("[dialogue] threaded reply response=%s continued=%t length=%d", resp.ID, token != "", len(text))
	return text, resp.ID, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return backoff.RateLimited(err)
	}
	return fmt.Errorf("responses api: %w", err)
}
