package guardian

import (
	"context"
	"strings"

	"github.com/aidispatch/dispatcher/internal/inference"
)

// categoryTemplates maps a category to the human-readable template the
// Dispatcher surfaces when a request is blocked. Platforms may replace this
// with localized text; the mapping itself is core's responsibility per
// SPEC_FULL.md §4.6.
var categoryTemplates = map[inference.GuardianCategory]string{
	inference.CategoryHateSpeech: "This request was blocked because it appears to contain hateful content.",
	inference.CategorySexual:     "This request was blocked because it appears to contain sexual content.",
	inference.CategoryViolence:   "This request was blocked because it appears to describe violence.",
	inference.CategorySelfHarm:   "This request was blocked because it appears to reference self-harm.",
	inference.CategorySpam:       "This request was blocked because it appears to be spam.",
	inference.CategoryPII:        "This request was blocked because it appears to contain personal information.",
	inference.CategoryToxicity:   "This request was blocked because it appears to be toxic.",
	inference.CategoryUnsafe:     "This request was blocked for safety reasons.",
	inference.CategoryUnknown:    "This request was blocked for safety reasons.",
}

func messageFor(categories []inference.GuardianCategory) string {
	if len(categories) == 0 {
		return categoryTemplates[inference.CategoryUnknown]
	}
	msgs := make([]string, 0, len(categories))
	seen := make(map[string]bool)
	for _, c := range categories {
		if tmpl, ok := categoryTemplates[c]; ok && !seen[tmpl] {
			msgs = append(msgs, tmpl)
			seen[tmpl] = true
		}
	}
	return strings.Join(msgs, " ")
}

// Outcome is the result of checkInput: either Passed, or Failed carrying the
// analysis that caused the block.
type Outcome struct {
	Passed   bool
	Analysis inference.GuardianAnalysis
}

// Pipeline wraps the Dispatcher's Guardian decisions, per SPEC_FULL.md
// §4.6.
type Pipeline struct {
	runner inference.Runner
}

// NewPipeline creates a Pipeline that invokes runner (normally a
// *guardian.Runner, but any Runner of capability GUARDIAN qualifies).
func NewPipeline(runner inference.Runner) *Pipeline {
	return &Pipeline{runner: runner}
}

// EffectiveConfig derives the per-request guardian configuration from the
// operator's base config and any request-level override. FULL is a
// deprecated alias treated identically to INPUT_ONLY (SPEC_FULL.md Open
// Question decisions).
func EffectiveConfig(base inference.GuardianConfig, req inference.Request) inference.EffectiveGuardianConfig {
	mode := base.Mode
	strictness := base.Strictness
	if req.GuardianConfig != nil {
		if req.GuardianConfig.Mode != "" {
			mode = req.GuardianConfig.Mode
		}
		if req.GuardianConfig.Strictness != "" {
			strictness = req.GuardianConfig.Strictness
		}
	}
	if mode == inference.GuardianFull {
		mode = inference.GuardianInputOnly
	}
	if strictness == "" {
		strictness = inference.StrictnessMedium
	}
	return inference.EffectiveGuardianConfig{Mode: mode, Strictness: strictness}
}

// ShouldCheckInput reports whether cfg requires invoking the GuardianRunner
// at all.
func ShouldCheckInput(cfg inference.EffectiveGuardianConfig) bool {
	return cfg.Mode != inference.GuardianDisabled
}

// CheckInput runs the GuardianRunner over request's text input when cfg
// requires it, per SPEC_FULL.md §4.6.
func (p *Pipeline) CheckInput(ctx context.Context, req inference.Request, cfg inference.EffectiveGuardianConfig) (Outcome, error) {
	if !ShouldCheckInput(cfg) {
		return Outcome{Passed: true}, nil
	}

	guardianReq := inference.Request{
		SessionID: req.SessionID,
		Inputs:    map[string]any{"text": textFrom(req)},
		Params:    map[string]any{"strictness": string(cfg.Strictness)},
	}

	result, err := p.runner.Run(ctx, guardianReq)
	if err != nil {
		return Outcome{}, err
	}

	analysis := analysisFromResult(result)
	if analysis.Blocked() {
		return Outcome{Passed: false, Analysis: analysis}, nil
	}
	return Outcome{Passed: true, Analysis: analysis}, nil
}

// BlockedResult synthesizes the InferenceResult surfaced for a blocked
// request: a success-shaped result, not an error variant, per SPEC_FULL.md
// §7.
func BlockedResult(analysis inference.GuardianAnalysis) inference.Result {
	return inference.Result{
		Outputs: map[string]any{
			"safety_status":   string(analysis.Status),
			"risk_categories": analysis.Categories,
			"message":         messageFor(analysis.Categories),
		},
		Partial: false,
	}
}

func textFrom(req inference.Request) string {
	if text, ok := req.Inputs["text"].(string); ok {
		return text
	}
	return ""
}

func analysisFromResult(result inference.Result) inference.GuardianAnalysis {
	status, _ := result.Outputs["status"].(string)
	riskScore, _ := result.Outputs["risk_score"].(float64)
	action, _ := result.Outputs["action"].(string)

	var categories []inference.GuardianCategory
	switch v := result.Outputs["categories"].(type) {
	case []inference.GuardianCategory:
		categories = v
	case []string:
		for _, c := range v {
			categories = append(categories, inference.GuardianCategory(c))
		}
	}

	return inference.GuardianAnalysis{
		Status:     inference.GuardianStatus(status),
		RiskScore:  riskScore,
		Categories: categories,
		Action:     inference.GuardianAction(action),
	}
}
