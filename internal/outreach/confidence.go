package outreach

import "strings"

// Score weights are kept in tenths so sums stay exact.
const (
	scoreBase           = 5
	scoreVerifiedPoints = 2
	scoreContact        = 2
	scoreObservedEmail  = 1
	scoreMax            = 10
	scoreDenominator    = 10.0
)

// Confidence scores how much evidence a verified brief carries, in [0, 1].
//
// Base 0.5, +0.2 when any sourced point survived verification, +0.2 when a contact was
// resolved, +0.1 when that contact has an email that was observed rather than inferred.
func Confidence(doc VerifiedDoc) float64 {
	score := scoreBase
	for _, p := range doc.Points {
		if p.HasSource() {
			score += scoreVerifiedPoints
			break
		}
	}
	if c := doc.Contact.Clean(); c != nil {
		score += scoreContact
		if strings.TrimSpace(c.Email) != "" && !c.Inferred {
			score += scoreObservedEmail
		}
	}
	if score > scoreMax {
		score = scoreMax
	}
	return float64(score) / scoreDenominator
}
