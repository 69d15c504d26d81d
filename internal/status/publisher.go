// Package status implements the process-wide StatusPublisher described in
// SPEC_FULL.md §3 and §4.7.5: the sole mutator of the service's published
// ServiceState, fanning out transitions to registered sinks.
package status

import "sync"

// Kind identifies which variant of ServiceState a State value carries.
type Kind string

const (
	KindReady       Kind = "READY"
	KindProcessing  Kind = "PROCESSING"
	KindDownloading Kind = "DOWNLOADING"
	KindError       Kind = "ERROR"
)

// State is one ServiceState transition.
type State struct {
	Kind Kind

	// Processing
	ActiveCount int

	// Downloading
	ModelName string
	Percent   float64
	TotalSet  bool
	Total     int64

	// Error
	Message     string
	Recoverable bool
}

// Ready is the terminal idle state.
func Ready() State { return State{Kind: KindReady} }

// Processing reports n requests currently in flight.
func Processing(n int) State { return State{Kind: KindProcessing, ActiveCount: n} }

// Downloading reports progress for an inline model download.
func Downloading(modelName string, pct float64, total int64, totalSet bool) State {
	return State{Kind: KindDownloading, ModelName: modelName, Percent: pct, Total: total, TotalSet: totalSet}
}

// Err reports a transient error state.
func Err(msg string, recoverable bool) State {
	return State{Kind: KindError, Message: msg, Recoverable: recoverable}
}

// Sink receives every published State transition. Implementations must
// treat repeated identical states as idempotent (SPEC_FULL.md §6 "Status
// sink").
type Sink interface {
	OnState(State)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(State)

func (f SinkFunc) OnState(s State) { f(s) }

// Publisher is the process-wide, monotone publisher of ServiceState: it is
// the only component permitted to mutate the published state, per
// SPEC_FULL.md §3.
type Publisher struct {
	mu       sync.Mutex
	current  State
	sinks    []Sink
	lastKind Kind
}

// New creates a Publisher starting in the Ready state.
func New() *Publisher {
	return &Publisher{current: Ready(), lastKind: KindReady}
}

// Subscribe registers sink to receive every future Publish call, and
// immediately replays the current state so late subscribers observe it.
func (p *Publisher) Subscribe(sink Sink) {
	p.mu.Lock()
	p.sinks = append(p.sinks, sink)
	current := p.current
	p.mu.Unlock()
	sink.OnState(current)
}

// Publish transitions to the new state and fans it out to every subscriber.
// Identical repeated states are still delivered; sinks are responsible for
// their own idempotence.
func (p *Publisher) Publish(s State) {
	p.mu.Lock()
	p.current = s
	p.lastKind = s.Kind
	sinks := make([]Sink, len(p.sinks))
	copy(sinks, p.sinks)
	p.mu.Unlock()

	for _, sink := range sinks {
		sink.OnState(s)
	}
}

// Current returns the most recently published state.
func (p *Publisher) Current() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
