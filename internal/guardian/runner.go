// Package guardian implements the content-safety gate described in
// SPEC_FULL.md §4.6: a GuardianRunner (an ordinary Runner of capability
// GUARDIAN) plus a GuardianPipeline that the Dispatcher consults before
// handing a request to any other runner.
package guardian

import (
	"context"
	"strings"

	"github.com/aidispatch/dispatcher/internal/inference"
)

// Analyzer is the pluggable scoring function a GuardianRunner delegates to.
// The default implementation is a small keyword/heuristic scanner; a
// production deployment would swap in a model-backed analyzer without
// changing the Runner contract.
type Analyzer interface {
	Analyze(ctx context.Context, text string, strictness inference.Strictness) inference.GuardianAnalysis
}

// Runner wraps an Analyzer as an inference.Runner of capability GUARDIAN.
// IsSupported is always true, and Load/Unload only set or clear the flag
// IsLoaded reports, since the in-process analyzer needs no loading.
type Runner struct {
	analyzer Analyzer
	loaded   bool
}

// NewRunner creates a GuardianRunner backed by analyzer. If analyzer is nil,
// a KeywordAnalyzer with its default rule set is used.
func NewRunner(analyzer Analyzer) *Runner {
	if analyzer == nil {
		analyzer = NewKeywordAnalyzer(nil)
	}
	return &Runner{analyzer: analyzer}
}

func (r *Runner) Info() inference.RunnerInfo {
	return inference.RunnerInfo{
		Name:         "guardian",
		Priority:     0,
		Capabilities: []inference.Capability{inference.CapabilityGuardian},
	}
}

func (r *Runner) Capabilities() []inference.Capability {
	return []inference.Capability{inference.CapabilityGuardian}
}

func (r *Runner) IsSupported() bool { return true }

func (r *Runner) Load(_ context.Context, _ string, _ map[string]any, _ map[string]any) (bool, error) {
	r.loaded = true
	return true, nil
}

func (r *Runner) Unload(_ context.Context) error {
	r.loaded = false
	return nil
}

func (r *Runner) IsLoaded() bool        { return r.loaded }
func (r *Runner) LoadedModelID() string { return "" }

// Run accepts a request whose Inputs carry "text" and whose Params carry
// "strictness", returning a Result whose Outputs embed the GuardianAnalysis.
func (r *Runner) Run(ctx context.Context, req inference.Request) (inference.Result, error) {
	text, _ := req.Inputs["text"].(string)
	strictness := inference.StrictnessMedium
	if s, ok := req.Params["strictness"].(string); ok && s != "" {
		strictness = inference.Strictness(strings.ToLower(s))
	}

	analysis := r.analyzer.Analyze(ctx, text, strictness)
	return inference.Result{
		Outputs: map[string]any{
			"status":        string(analysis.Status),
			"risk_score":    analysis.RiskScore,
			"categories":    analysis.Categories,
			"action":        string(analysis.Action),
			"filtered_text": analysis.FilteredText,
		},
		Partial: false,
	}, nil
}
