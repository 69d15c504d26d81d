// Package models implements the ModelManager described in SPEC_FULL.md §4.5:
// per-model state machine, sequential multi-file resumable downloads,
// artifact validation, and progress events.
package models

import "time"

// Status is the closed set of states a model moves through.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusDownloading Status = "DOWNLOADING"
	StatusPaused      Status = "PAUSED"
	StatusDownloaded  Status = "DOWNLOADED"
	StatusInstalling  Status = "INSTALLING"
	StatusReady       Status = "READY"
	StatusError       Status = "ERROR"
)

// State is a snapshot of one model's progress, copy-on-write so subscribers
// always observe a consistent value (SPEC_FULL.md §4.5 Concurrency).
type State struct {
	Status       Status
	Progress     int // 0..100
	Speed        float64
	ETA          float64 // seconds; -1 if unknown
	StorageBytes int64
	Category     string
	IsDefault    bool
	LastUpdated  time.Time
	ErrorMessage string
}
