package guardian

import (
	"context"
	"strings"

	"github.com/aidispatch/dispatcher/internal/inference"
)

// KeywordAnalyzer is a simple, dependency-free Analyzer that flags text
// containing any of a fixed set of category keywords. It exists to give the
// GuardianRunner a runnable default; real deployments supply a
// model-backed Analyzer instead.
type KeywordAnalyzer struct {
	keywords map[inference.GuardianCategory][]string
}

var defaultKeywords = map[inference.GuardianCategory][]string{
	inference.CategoryHateSpeech: {"hate", "slur"},
	inference.CategorySexual:     {"explicit sexual"},
	inference.CategoryViolence:   {"kill", "attack"},
	inference.CategorySelfHarm:   {"suicide", "self-harm"},
	inference.CategorySpam:      {"buy now", "limited offer"},
	inference.CategoryPII:       {"social security number", "credit card number"},
	inference.CategoryToxicity:  {"toxic", "worthless"},
}

// NewKeywordAnalyzer creates a KeywordAnalyzer. A nil or empty keywords map
// falls back to defaultKeywords.
func NewKeywordAnalyzer(keywords map[inference.GuardianCategory][]string) *KeywordAnalyzer {
	if len(keywords) == 0 {
		keywords = defaultKeywords
	}
	return &KeywordAnalyzer{keywords: keywords}
}

// strictnessThreshold maps a strictness level to the risk score at which
// BLOCKED is triggered; higher strictness blocks at a lower score.
func strictnessThreshold(s inference.Strictness) float64 {
	switch s {
	case inference.StrictnessHigh:
		return 0.3
	case inference.StrictnessLow:
		return 0.8
	default:
		return 0.5
	}
}

func (k *KeywordAnalyzer) Analyze(_ context.Context, text string, strictness inference.Strictness) inference.GuardianAnalysis {
	lower := strings.ToLower(text)

	var categories []inference.GuardianCategory
	for category, words := range k.keywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				categories = append(categories, category)
				break
			}
		}
	}

	if len(categories) == 0 {
		return inference.GuardianAnalysis{
			Status:    inference.GuardianStatusSafe,
			RiskScore: 0,
			Action:    inference.GuardianActionNone,
		}
	}

	// Each matched category contributes a fixed increment; concentrated
	// matches on fewer words still reach a meaningful score.
	riskScore := 0.4 + 0.2*float64(len(categories)-1)
	if riskScore > 1 {
		riskScore = 1
	}

	threshold := strictnessThreshold(strictness)
	if riskScore >= threshold {
		return inference.GuardianAnalysis{
			Status:     inference.GuardianStatusBlocked,
			RiskScore:  riskScore,
			Categories: categories,
			Action:     inference.GuardianActionBlock,
		}
	}
	return inference.GuardianAnalysis{
		Status:     inference.GuardianStatusWarning,
		RiskScore:  riskScore,
		Categories: categories,
		Action:     inference.GuardianActionReview,
	}
}
