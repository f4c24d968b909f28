package briefing

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// DiseasePayload is the structured disease briefing. List fields are never nil
// once passed through Normalize or ParsePayload.
type DiseasePayload struct {
	DiseaseName            string   `json:"diseaseName"`
	DiseaseSummary         string   `json:"diseaseSummary"`
	LaymanTermsSummary     string   `json:"laymanTermsSummary"`
	CommonSymptoms         []string `json:"commonSymptoms"`
	Transmission           string   `json:"transmission"`
	Severity               string   `json:"severity"`
	Progression            string   `json:"progression"`
	AssociatedConditions   []string `json:"associatedConditions"`
	DiagnosticProcess      string   `json:"diagnosticProcess"`
	TreatmentSummary       string   `json:"treatmentSummary"`
	Medications            []string `json:"medications"`
	TherapiesAndProcedures []string `json:"therapiesAndProcedures"`
	LifestyleChanges       []string `json:"lifestyleChanges"`
	RiskFactors            []string `json:"riskFactors"`
	PreventionStrategies   []string `json:"preventionStrategies"`
	DiseaseMechanism       string   `json:"diseaseMechanism"`
	Etiology               string   `json:"etiology"`
	Disclaimer             string   `json:"disclaimer"`
}

// Normalize replaces nil lists with empty ones and drops blank list items.
func (p *DiseasePayload) Normalize() {
	for _, list := range []*[]string{
		&p.CommonSymptoms,
		&p.AssociatedConditions,
		&p.Medications,
		&p.TherapiesAndProcedures,
		&p.LifestyleChanges,
		&p.RiskFactors,
		&p.PreventionStrategies,
	} {
		*list = compact(*list)
	}
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParsePayload decodes a stored payload. Empty or corrupt input yields a
// zero payload with empty lists rather than an error.
func ParsePayload(raw string) DiseasePayload {
	var p DiseasePayload
	if strings.TrimSpace(raw) != "" {
		if err := decodeLenient([]byte(raw), &p); err != nil {
			slog.Warn("failed to parse stored disease payload", "error", err)
			p = DiseasePayload{}
		}
	}
	p.Normalize()
	return p
}

// decodeLenient unmarshals into p, tolerating fields whose JSON type does
// not match (for example a string where a list is expected): those fields
// are left at their zero value.
func decodeLenient(data []byte, p *DiseasePayload) error {
	if err := json.Unmarshal(data, p); err == nil {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*p = DiseasePayload{}
	for name, raw := range fields {
		single, err := json.Marshal(map[string]json.RawMessage{name: raw})
		if err != nil {
			continue
		}
		// Ignore type mismatches field by field.
		_ = json.Unmarshal(single, p)
	}
	return nil
}
