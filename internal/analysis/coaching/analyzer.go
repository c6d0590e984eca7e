// Package coaching scores a practice call with keyword heuristics. It is the
// fallback when no scoring model is available.
package coaching

import (
	"math"
	"strings"
)

// Skill is one selling behaviour the analyzer looks for.
type Skill string

const (
	Discovery  Skill = "discovery"
	Value      Skill = "value"
	Objections Skill = "objections"
	NextStep   Skill = "next_step"
	Rapport    Skill = "rapport"
)

// Skills lists every skill in report order.
var Skills = []Skill{Discovery, Value, Objections, NextStep, Rapport}

// Line is one utterance of the call.
type Line struct {
	Human bool
	Text  string
}

// Decision 给出启发式评分结果。
type Decision struct {
	Score        int
	Hits         map[Skill]int
	Strengths    []string
	Improvements []string
	TalkShare    float64
}

var keywordBuckets = map[Skill][]string{
	Discovery: {
		"what", "how", "why", "tell me", "walk me through", "which", "could you share",
		"מה", "איך", "למה", "ספר לי", "ספרי לי", "איזה",
	},
	Value: {
		"roi", "save", "saving", "cost", "revenue", "reduce", "increase", "per month", "payback",
		"חיסכון", "לחסוך", "עלות", "הכנסות", "להגדיל", "תשואה", "%",
	},
	Objections: {
		"i understand", "i hear you", "fair point", "that makes sense", "good question", "compared to",
		"מבין", "מבינה", "שאלה טובה", "הוגן", "בהשוואה",
	},
	NextStep: {
		"next step", "demo", "meeting", "schedule", "trial", "pilot", "follow up", "send you",
		"פגישה", "נקבע", "הדגמה", "פיילוט", "אשלח",
	},
	Rapport: {
		"thank", "appreciate", "great to", "nice to", "how are you",
		"תודה", "מעריך", "מעריכה", "נעים", "מה שלומך",
	},
}

var strengthNotes = map[Skill]string{
	Discovery:  "Asked discovery questions to understand the customer's situation.",
	Value:      "Tied the offer to concrete business value.",
	Objections: "Acknowledged objections before answering them.",
	NextStep:   "Proposed a clear next step.",
	Rapport:    "Built rapport and kept the tone courteous.",
}

var improvementNotes = map[Skill]string{
	Discovery:  "Ask more open questions before pitching.",
	Value:      "Quantify the value: savings, revenue or time, in the customer's terms.",
	Objections: "Acknowledge the concern explicitly before countering it.",
	NextStep:   "Close with a specific next step such as a demo or follow-up meeting.",
	Rapport:    "Open and close the call with a little more warmth.",
}

const (
	baseScore      = 30
	hitPoints      = 10
	maxHitsCounted = 2
	monologueWords = 60
)

// Analyze 根据销售人员的话术推断各项技能的表现。
func Analyze(lines []Line) Decision {
	hits := make(map[Skill]int, len(Skills))
	var humanWords, totalWords, humanLines int

	for _, line := range lines {
		words := len(strings.Fields(line.Text))
		totalWords += words
		if !line.Human {
			continue
		}
		humanLines++
		humanWords += words
		for skill, n := range scoreText(line.Text) {
			hits[skill] += n
		}
	}

	decision := Decision{Hits: hits}
	if humanLines == 0 {
		decision.Improvements = []string{"Say something: the call ended before the customer heard a pitch."}
		return decision
	}

	score := baseScore
	for _, skill := range Skills {
		n := hits[skill]
		if n > 0 {
			score += hitPoints * int(math.Min(float64(n), maxHitsCounted))
			decision.Strengths = append(decision.Strengths, strengthNotes[skill])
		} else {
			decision.Improvements = append(decision.Improvements, improvementNotes[skill])
		}
	}

	if totalWords > 0 {
		decision.TalkShare = float64(humanWords) / float64(totalWords)
	}
	// 销售说话占比过高通常意味着在"推销"而不是"倾听"
	if decision.TalkShare > 0.7 {
		score -= 10
		decision.Improvements = append(decision.Improvements, "Let the customer talk more; you held most of the conversation.")
	}
	if humanWords/humanLines > monologueWords {
		score -= 5
		decision.Improvements = append(decision.Improvements, "Keep answers short and check in with the customer.")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	decision.Score = score
	return decision
}

func scoreText(text string) map[Skill]int {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return nil
	}

	scores := make(map[Skill]int)
	for skill, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[skill]++
				break
			}
		}
	}
	if strings.Contains(text, "?") {
		scores[Discovery]++
	}
	return scores
}
