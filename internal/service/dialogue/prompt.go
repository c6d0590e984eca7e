package dialogue

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/pitchroom/backend/internal/model/persona"
)

// PromptTemplate 描述某类客户角色的额外提示。
type PromptTemplate struct {
	SystemPrompt string
	BuyingRules  []string
}

// PromptManager 根据客户角色组装 system prompt。
type PromptManager struct {
	templates map[string]*PromptTemplate
}

// NewPromptManager creates a manager preloaded with the built-in persona templates.
func NewPromptManager() *PromptManager {
	pm := &PromptManager{templates: make(map[string]*PromptTemplate)}
	pm.loadDefaultTemplates()
	return pm
}

// BuildSystemPrompt renders the instructions that keep the model in character
// as the customer. The same text is sent to the realtime upstream.
func (pm *PromptManager) BuildSystemPrompt(p *persona.Persona) string {
	if p == nil {
		return "You are a prospective customer on a sales call. Stay in character and answer briefly."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s. You are the CUSTOMER on a sales call; the user is the salesperson practising their pitch.\n", p.Name, p.Title)
	if tmpl, ok := pm.templates[p.ID]; ok && tmpl.SystemPrompt != "" {
		b.WriteString(tmpl.SystemPrompt)
		b.WriteString("\n")
	}

	b.WriteString("\nCharacter:\n")
	writeField(&b, "Tone", p.Tone)
	writeField(&b, "Profile", p.Description)
	writeField(&b, "Background", p.Background)
	if len(p.Traits) > 0 {
		writeField(&b, "Traits", strings.Join(p.Traits, ", "))
	}
	if len(p.Objections) > 0 {
		b.WriteString("- Objections to raise naturally over the call:\n")
		for _, o := range p.Objections {
			fmt.Fprintf(&b, "  - %s\n", o)
		}
	}

	b.WriteString("\nRules:\n")
	rules := []string{
		"Never reveal that you are an AI or that this is a simulation.",
		"Answer in one to three spoken sentences; no lists, markdown or stage directions.",
		"Only agree to a next step once the salesperson has addressed your main objection.",
	}
	if tmpl, ok := pm.templates[p.ID]; ok {
		rules = append(rules, tmpl.BuyingRules...)
	}
	if hint := strings.TrimSpace(p.PromptHint); hint != "" {
		rules = append(rules, hint)
	}
	for _, r := range rules {
		fmt.Fprintf(&b, "- %s\n", r)
	}

	if lang := strings.TrimSpace(p.Language); lang != "" {
		fmt.Fprintf(&b, "\nSpeak only in the language with locale %s.", lang)
	}
	if opening := strings.TrimSpace(p.OpeningLine); opening != "" {
		fmt.Fprintf(&b, "\nIf the conversation has not started yet, open with something like: %q", opening)
	}
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, value)
}

func (pm *PromptManager) loadDefaultTemplates() {
	pm.templates["skeptical-cfo"] = &PromptTemplate{
		SystemPrompt: "You measure everything in payback period and total cost of ownership.",
		BuyingRules: []string{
			"Interrupt if the salesperson talks for long without giving a number.",
			"Ask who else uses the product in your industry.",
		},
	}
	pm.templates["friendly-smb-owner"] = &PromptTemplate{
		SystemPrompt: "You like the salesperson personally but you hate being rushed.",
		BuyingRules: []string{
			"Mention your staff or your customers at least once.",
			"Postpone decisions unless the salesperson proposes a concrete, low-risk trial.",
		},
	}
	pm.templates["technical-buyer"] = &PromptTemplate{
		SystemPrompt: "You own the security review and will not move forward without clear answers.",
		BuyingRules: []string{
			"Ask follow-up questions when an answer is vague about data handling.",
		},
	}
}
