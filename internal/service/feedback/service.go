// Package feedback scores a finished simulation. It asks the chat model for
// a structured review and falls back to keyword heuristics.
package feedback

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/tidwall/gjson"

	"github.com/zhouzirui/pitchroom/backend/internal/analysis/coaching"
	"github.com/zhouzirui/pitchroom/backend/internal/model/persona"
	"github.com/zhouzirui/pitchroom/backend/internal/model/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/service/sanitize"
)

const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"

	maxListItems = 5
)

// Config 控制复盘评分服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
}

// Service 使用大模型对整通模拟对话评分，并在必要时回退到启发式规则。
type Service struct {
	enabled      bool
	scorer       compose.Runnable[map[string]any, *schema.Message]
	fallback     func(lines []coaching.Line) coaching.Decision
	historyLimit int
}

// NewService 创建评分服务。chatModel 可重用对话使用的大模型实例。
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 40
	}

	svc := &Service{
		enabled:      cfg.Enabled && chatModel != nil,
		fallback:     coaching.Analyze,
		historyLimit: historyLimit,
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(scoringSystemPrompt),
		schema.UserMessage(scoringUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile feedback chain: %w", err)
	}

	svc.scorer = runnable
	return svc, nil
}

// Enabled 返回是否使用大模型评分。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.scorer != nil
}

// Score reviews the transcript from the sales agent's side. It never fails;
// model errors and unusable output fall back to heuristics.
func (s *Service) Score(ctx context.Context, p persona.Persona, transcript []simulation.Turn) simulation.Feedback {
	if !s.Enabled() {
		return s.fallbackFeedback(transcript)
	}

	input := map[string]any{
		"persona":    summarizePersona(p),
		"transcript": formatTranscript(transcript, s.historyLimit),
	}

	msg, err := s.scorer.Invoke(ctx, input)
	if err != nil {
		log.Printf("[feedback] scorer invoke failed, use fallback: %v", err)
		return s.fallbackFeedback(transcript)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return s.fallbackFeedback(transcript)
	}

	fb, err := parseScorerOutput(msg.Content)
	if err != nil {
		log.Printf("[feedback] scorer output unusable, use fallback: %v", err)
		return s.fallbackFeedback(transcript)
	}
	return fb
}

func (s *Service) fallbackFeedback(transcript []simulation.Turn) simulation.Feedback {
	lines := make([]coaching.Line, 0, len(transcript))
	for _, t := range transcript {
		lines = append(lines, coaching.Line{Human: t.Speaker == simulation.SpeakerHuman, Text: t.Text})
	}
	decision := s.fallback(lines)

	return simulation.Feedback{
		Score:        decision.Score,
		Summary:      fmt.Sprintf("Automatic review: %d of %d coaching skills observed.", len(decision.Strengths), len(coaching.Skills)),
		Strengths:    decision.Strengths,
		Improvements: decision.Improvements,
		Source:       SourceHeuristic,
	}
}

// parseScorerOutput 清洗并解析大模型返回的 JSON。
func parseScorerOutput(content string) (simulation.Feedback, error) {
	clean := sanitize.Sanitize(content)
	score := gjson.Get(clean, "score")
	if !score.Exists() {
		return simulation.Feedback{}, fmt.Errorf("missing score in %q", clean)
	}

	return simulation.Feedback{
		Score:        clampScore(score.Float()),
		Summary:      strings.TrimSpace(gjson.Get(clean, "summary").String()),
		Strengths:    trimList(gjson.Get(clean, "strengths").Array()),
		Improvements: trimList(gjson.Get(clean, "improvements").Array()),
		Source:       SourceModel,
	}, nil
}

func summarizePersona(p persona.Persona) string {
	sections := []string{
		fmt.Sprintf("Name: %s", strings.TrimSpace(p.Name)),
		fmt.Sprintf("Role: %s", strings.TrimSpace(p.Title)),
	}
	if tone := strings.TrimSpace(p.Tone); tone != "" {
		sections = append(sections, fmt.Sprintf("Tone: %s", tone))
	}
	if len(p.Objections) > 0 {
		sections = append(sections, fmt.Sprintf("Typical objections: %s", strings.Join(p.Objections, "; ")))
	}
	return strings.Join(sections, " | ")
}

func formatTranscript(turns []simulation.Turn, limit int) string {
	if len(turns) == 0 {
		return "(empty call)"
	}
	start := len(turns) - limit
	if start < 0 {
		start = 0
	}

	var builder strings.Builder
	for _, t := range turns[start:] {
		content := strings.TrimSpace(t.Text)
		if content == "" {
			continue
		}
		role := "Agent"
		if t.Speaker == simulation.SpeakerPersona {
			role = "Customer"
		}
		builder.WriteString(role)
		builder.WriteString(": ")
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	if builder.Len() == 0 {
		return "(empty call)"
	}
	return strings.TrimRight(builder.String(), "\n")
}

func clampScore(val float64) int {
	if val < 0 {
		return 0
	}
	if val > 100 {
		return 100
	}
	return int(val + 0.5)
}

func trimList(items []gjson.Result) []string {
	out := make([]string, 0, len(items))
	for _, r := range items {
		if item := strings.TrimSpace(r.String()); item != "" {
			out = append(out, item)
		}
		if len(out) == maxListItems {
			break
		}
	}
	return out
}

const scoringSystemPrompt = "You are a sales coach reviewing a practice call between a sales agent and a simulated customer. Judge only the agent: discovery questions, value articulation, objection handling, next-step closing and rapport.\nOutput only one JSON object with these fields: score (integer 0-100), summary (two sentences), strengths (up to five short strings), improvements (up to five short, actionable strings). Write the strings in the language the agent used. Do not output anything else."

const scoringUserPrompt = "Customer persona:\n{persona}\n\nTranscript:\n{transcript}\n\nReturn the JSON review."
