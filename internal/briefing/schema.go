package briefing

import "github.com/kalambet/medbrief/internal/gemini"

func payloadSchema() *gemini.Schema {
	props := map[string]*gemini.Schema{
		"diseaseName":            gemini.String("Canonical name of the condition"),
		"diseaseSummary":         gemini.String("Accessible overview, slightly longer than the layman summary"),
		"laymanTermsSummary":     gemini.String("Two to three sentence primer for patients"),
		"commonSymptoms":         gemini.StringList("Typical symptoms"),
		"transmission":           gemini.String("How it spreads, or whether it is inherited or non-contagious"),
		"severity":               gemini.String("Typical outcomes"),
		"progression":            gemini.String("Stages or usual course over time"),
		"associatedConditions":   gemini.StringList("Related illnesses or complications"),
		"diagnosticProcess":      gemini.String("Common evaluation: tests, imaging, clinical criteria"),
		"treatmentSummary":       gemini.String("Narrative overview of medical and supportive care"),
		"medications":            gemini.StringList("At most 6 items"),
		"therapiesAndProcedures": gemini.StringList("At most 6 items"),
		"lifestyleChanges":       gemini.StringList("At most 6 items"),
		"riskFactors":            gemini.StringList("Known risk factors"),
		"preventionStrategies":   gemini.StringList("At most 6 items"),
		"diseaseMechanism":       gemini.String("Pathophysiology, clinical language allowed"),
		"etiology":               gemini.String("Causes, clinical language allowed"),
		"disclaimer":             gemini.String("Gentle reminder to consult healthcare professionals"),
	}
	return &gemini.Schema{
		Type:       gemini.TypeObject,
		Properties: props,
		Required:   PayloadFields(),
	}
}

// PayloadFields lists the payload keys in presentation order.
func PayloadFields() []string {
	return []string{
		"diseaseName",
		"diseaseSummary",
		"laymanTermsSummary",
		"commonSymptoms",
		"transmission",
		"severity",
		"progression",
		"associatedConditions",
		"diagnosticProcess",
		"treatmentSummary",
		"medications",
		"therapiesAndProcedures",
		"lifestyleChanges",
		"riskFactors",
		"preventionStrategies",
		"diseaseMechanism",
		"etiology",
		"disclaimer",
	}
}

// ResponseSchema is the full {title, summary, payload} schema sent to the model.
func ResponseSchema() *gemini.Schema {
	return &gemini.Schema{
		Type: gemini.TypeObject,
		Properties: map[string]*gemini.Schema{
			"title":   gemini.String("Short report title"),
			"summary": gemini.String("One paragraph summary"),
			"payload": payloadSchema(),
		},
		Required: []string{"title", "summary", "payload"},
	}
}
