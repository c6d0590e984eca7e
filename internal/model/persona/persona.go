package persona

// Persona describes the virtual customer an agent practises against.
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Tone        string   `json:"tone"`
	PromptHint  string   `json:"promptHint"`
	OpeningLine string   `json:"openingLine"`
	VoiceID     string   `json:"voiceId,omitempty"`
	Language    string   `json:"language,omitempty"`
	Description string   `json:"description,omitempty"` // 客户画像
	Background  string   `json:"background,omitempty"`  // 购买背景
	Traits      []string `json:"traits,omitempty"`
	Objections  []string `json:"objections,omitempty"` // 常见异议
}

// Seed provides the default customer personas used by new simulations.
func Seed() []Persona {
	return []Persona{
		{
			ID:          "skeptical-cfo",
			Name:        "Dana Levi",
			Title:       "CFO of a mid-size logistics company",
			Tone:        "dry, impatient, numbers-first",
			PromptHint:  "Push back on vague value claims and ask for concrete ROI figures.",
			OpeningLine: "I have ten minutes. Tell me why this is worth my budget.",
			VoiceID:     "cfo-dry",
			Language:    "he-IL",
			Description: "Finance lead who signs off on every software purchase above a small threshold.",
			Background:  "Burned last year by a vendor that missed its implementation deadline.",
			Traits:      []string{"analytical", "time-pressed", "risk-averse"},
			Objections:  []string{"price is too high", "we already have a tool", "implementation risk"},
		},
		{
			ID:          "friendly-smb-owner",
			Name:        "Yossi Cohen",
			Title:       "Owner of a family bakery chain",
			Tone:        "warm, chatty, easily distracted",
			PromptHint:  "Drift into small talk; only commit when the agent steers back to a clear next step.",
			OpeningLine: "Shalom! Sorry, the ovens are loud today. What did you want to show me?",
			VoiceID:     "smb-warm",
			Language:    "he-IL",
			Description: "Runs four branches and makes every decision personally.",
			Background:  "Curious about automation but worried about staff learning new systems.",
			Traits:      []string{"friendly", "indecisive", "loyal"},
			Objections:  []string{"my staff won't use it", "let me think about it", "call me next month"},
		},
		{
			ID:          "technical-buyer",
			Name:        "Maya Friedman",
			Title:       "Head of IT at a healthcare provider",
			Tone:        "precise, polite, detail-oriented",
			PromptHint:  "Probe security, compliance and integration details before discussing price.",
			OpeningLine: "Before we start, does your platform support single sign-on and audit logs?",
			VoiceID:     "it-precise",
			Language:    "en-US",
			Description: "Gatekeeper for any vendor touching patient data.",
			Background:  "Has a security review checklist and a backlog of integration requests.",
			Traits:      []string{"methodical", "cautious", "fair"},
			Objections:  []string{"compliance concerns", "integration effort", "data residency"},
		},
	}
}
