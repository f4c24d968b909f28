package report

import (
	"strings"
	"unicode/utf8"
)

// Severity levels.
const (
	LevelHigh     = "high"
	LevelModerate = "moderate"
	LevelLow      = "low"
	LevelUnknown  = "unknown"
)

// Severity is the dashboard severity signal derived from free text.
type Severity struct {
	Level     string `json:"level"`
	Label     string `json:"label"`
	Percent   int    `json:"percent"`
	Narrative string `json:"narrative"`
}

var (
	highIndicators     = []string{"critical", "life-threatening", "high risk", "stage iv", "advanced", "severe", "aggressive"}
	moderateIndicators = []string{"moderate", "progressive", "requires monitoring", "unstable", "stage ii", "stage iii"}
	lowIndicators      = []string{"mild", "low risk", "manageable", "stable", "early", "stage i"}
	rapidProgression   = []string{"rapid", "fast", "swift", "acute"}
)

var severityBuckets = map[string]Severity{
	LevelHigh: {
		Level:     LevelHigh,
		Label:     "High concern",
		Percent:   86,
		Narrative: "Indicators suggest heightened risk. Discuss urgent warning signs and contingency plans with your clinician.",
	},
	LevelModerate: {
		Level:     LevelModerate,
		Label:     "Active management",
		Percent:   68,
		Narrative: "The condition benefits from consistent follow-up. Track symptoms and interventions to keep progression in check.",
	},
	LevelLow: {
		Level:     LevelLow,
		Label:     "Manageable",
		Percent:   42,
		Narrative: "Current descriptions indicate a manageable outlook. Focus on maintenance habits and scheduled check-ins.",
	},
	LevelUnknown: {
		Level:     LevelUnknown,
		Label:     "Awaiting detail",
		Percent:   55,
		Narrative: "Severity language was unclear. Ask your provider to clarify current risk so you can plan monitoring frequency.",
	},
}

// ClassifySeverity buckets a briefing by keyword. High wins over moderate,
// moderate over low. Rapid progression alone is enough for high. The
// narrative is the severity text itself when present.
func ClassifySeverity(severityText, progressionText string) Severity {
	base := strings.ToLower(severityText)
	progression := strings.ToLower(progressionText)

	level := LevelUnknown
	switch {
	case containsAny(base, highIndicators) || containsAny(progression, rapidProgression):
		level = LevelHigh
	case containsAny(base, moderateIndicators) || containsAny(progression, moderateIndicators):
		level = LevelModerate
	case containsAny(base, lowIndicators) || containsAny(progression, lowIndicators):
		level = LevelLow
	}

	s := severityBuckets[level]
	if severityText != "" {
		s.Narrative = severityText
	}
	return s
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

const (
	maxHighlights      = 4
	maxHighlightLength = 220
)

// StageHighlights splits progression text into at most four short cues.
// Segments break on periods, semicolons, pipes and slashes; hyphens and
// bullets are dropped; segments of 220 characters or more are discarded.
func StageHighlights(progressionText string) []string {
	text := strings.Join(strings.Fields(progressionText), " ")
	if text == "" {
		return []string{}
	}
	text = strings.NewReplacer("-", " ", "•", " ").Replace(text)

	segments := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == ';' || r == '|' || r == '/'
	})

	out := make([]string, 0, maxHighlights)
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if n := utf8.RuneCountInString(seg); n == 0 || n >= maxHighlightLength {
			continue
		}
		out = append(out, seg)
		if len(out) == maxHighlights {
			break
		}
	}
	return out
}
