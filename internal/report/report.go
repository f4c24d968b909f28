// Package report turns a stored search into the dashboard view model.
package report

import (
	"fmt"
	"time"

	"github.com/kalambet/medbrief/internal/briefing"
	"github.com/kalambet/medbrief/internal/storage"
)

const (
	erroredTitle       = "We could not finish this report"
	erroredFallback    = "The disease assistant ran into a problem while preparing your briefing. Please try again shortly."
	pendingTitle       = "Your disease briefing is generating"
	pendingDescription = "We will refresh this page automatically once your structured summary is complete."
	defaultDescription = "A balanced, patient-centric overview covering symptoms, severity, diagnostics, and ways to stay ahead."
	noProgression      = "Specific progression details were not provided. Use the severity insight to guide monitoring cadence."
	defaultDisclaimer  = "Consult a licensed clinician for personal advice."
	notSpecified       = "Not specified"

	// NewSearchPath is where clients start another search.
	NewSearchPath = "/v1/diseases"
)

// State describes a search that has no report to show.
type State struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	NewSearchPath string `json:"newSearchPath,omitempty"`
}

// Fact is a labelled snapshot value.
type Fact struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// View is the report for one search. Exactly one of State and the report
// fields is populated, depending on Status.
type View struct {
	SearchID  string    `json:"searchId"`
	Status    string    `json:"status"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"createdAt"`

	State *State `json:"state,omitempty"`

	Title           string                   `json:"title,omitempty"`
	Description     string                   `json:"description,omitempty"`
	Duration        string                   `json:"duration,omitempty"`
	Severity        *Severity                `json:"severity,omitempty"`
	StageHighlights []string                 `json:"stageHighlights,omitempty"`
	ProgressionNote string                   `json:"progressionNote,omitempty"`
	Snapshot        []Fact                   `json:"snapshot,omitempty"`
	Disclaimer      string                   `json:"disclaimer,omitempty"`
	Payload         *briefing.DiseasePayload `json:"payload,omitempty"`
}

// Build renders rec.
func Build(rec storage.Search) View {
	v := View{
		SearchID:  rec.ID,
		Status:    rec.Status,
		Query:     rec.Query,
		CreatedAt: rec.CreatedAt,
	}

	switch rec.Status {
	case storage.StatusErrored:
		desc := rec.ErrorMessage
		if desc == "" {
			desc = erroredFallback
		}
		v.State = &State{Title: erroredTitle, Description: desc, NewSearchPath: NewSearchPath}
		return v
	case storage.StatusReady:
	default:
		v.State = &State{Title: pendingTitle, Description: pendingDescription}
		return v
	}

	p := briefing.ParsePayload(rec.Payload)
	sev := ClassifySeverity(p.Severity, p.Progression)

	v.Title = firstNonEmpty(rec.Title, p.DiseaseName, rec.Query)
	v.Description = firstNonEmpty(rec.Summary, p.LaymanTermsSummary, defaultDescription)
	if rec.DurationMs != nil {
		v.Duration = fmt.Sprintf("%.1fs", float64(*rec.DurationMs)/1000)
	}
	v.Severity = &sev
	v.StageHighlights = StageHighlights(p.Progression)
	if len(v.StageHighlights) == 0 {
		v.ProgressionNote = noProgression
	}
	v.Snapshot = []Fact{
		{Label: "Primary name", Value: firstNonEmpty(p.DiseaseName, notSpecified)},
		{Label: "Transmission", Value: firstNonEmpty(p.Transmission, notSpecified)},
		{Label: "Severity", Value: firstNonEmpty(p.Severity, notSpecified)},
		{Label: "Progression", Value: firstNonEmpty(p.Progression, notSpecified)},
	}
	v.Disclaimer = firstNonEmpty(p.Disclaimer, defaultDisclaimer)
	v.Payload = &p
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
