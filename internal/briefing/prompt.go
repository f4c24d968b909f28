package briefing

import (
	"fmt"
	"strings"
)

const promptTemplate = `You are a collaborative medical knowledge assistant. Provide an approachable yet clinically reliable briefing about the condition %q.
- Use compassionate, stigma-free language.
- Ensure laymanTermsSummary is a two-to-three sentence primer suited for patients.
- diseaseSummary should expand slightly while staying accessible.
- transmission must name how it spreads or whether it is inherited or non-contagious.
- severity should describe typical outcomes (e.g., "Often chronic but manageable" or "Life-threatening without treatment").
- progression should outline stages or usual course over time.
- associatedConditions should list related illnesses or complications.
- diagnosticProcess must outline the common evaluation (tests, imaging, clinical criteria).
- treatmentSummary needs a narrative overview (include medical and supportive care).
- medications, therapiesAndProcedures, lifestyleChanges, and preventionStrategies should list practical steps (limit to 6 bullet items each).
- diseaseMechanism and etiology may use clinical language suitable for professionals.
- disclaimer should gently remind users to consult healthcare professionals.`

// BuildPrompt renders the generation prompt. profileSummary is appended when
// non-empty.
func BuildPrompt(diseaseName, profileSummary string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, promptTemplate, diseaseName)
	if s := strings.TrimSpace(profileSummary); s != "" {
		sb.WriteString("\n\n")
		sb.WriteString(s)
	}
	sb.WriteString("\n\nReturn ONLY one JSON object that matches the provided schema with keys: title, summary, payload.")
	return sb.String()
}
