package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aidispatch/dispatcher/internal/catalog"
	"github.com/aidispatch/dispatcher/internal/logging"
)

// maxConcurrentDownloads bounds how many download jobs may run their
// network fetch loop at once, so a burst of inline downloads (§4.7.1 step
// 6, several requests landing on different uncached models at once) cannot
// saturate every network connection the process has.
const maxConcurrentDownloads = 3

// CleanupReport summarizes what cleanupStorage removed.
type CleanupReport struct {
	SpaceFreed       int64
	TempFilesRemoved int
	ModelsCleanedUp  int
}

// Handle lets a caller observe or control an in-flight download.
type Handle interface {
	Wait() error
	Cancel()
	Pause()
	Resume()
}

// Manager is the ModelManager of SPEC_FULL.md §4.5: it owns modelsDir, the
// metadata file describing downloaded models, the observable modelStates
// map, and the in-flight downloads map.
type Manager struct {
	log          logging.Logger
	catalog      *catalog.Catalog
	modelsDir    string
	metadataPath string
	httpClient   *http.Client

	// mu serializes every mutation to states/downloads/metadata, per
	// SPEC_FULL.md §4.5 Concurrency: "a single writer path".
	mu        sync.Mutex
	states    map[string]State
	downloads map[string]*job
	metadata  map[string]catalog.Definition
	defaults  map[string]string // category -> model id

	// pullTokens bounds concurrent in-flight network fetches across all
	// jobs; each job acquires one token for the duration of its run.
	pullTokens *semaphore.Weighted
}

// NewManager creates a Manager rooted at modelsDir, persisting metadata at
// metadataPath, resolving files against cat.
func NewManager(log logging.Logger, cat *catalog.Catalog, modelsDir, metadataPath string, httpClient *http.Client) (*Manager, error) {
	metadata, err := loadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		log:          log,
		catalog:      cat,
		modelsDir:    modelsDir,
		metadataPath: metadataPath,
		httpClient:   httpClient,
		states:       make(map[string]State),
		downloads:    make(map[string]*job),
		metadata:     metadata,
		defaults:     make(map[string]string),
		pullTokens:   semaphore.NewWeighted(maxConcurrentDownloads),
	}

	for _, def := range cat.All() {
		status := StatusAvailable
		if _, downloaded := metadata[def.ID]; downloaded {
			status = StatusDownloaded
		}
		m.states[def.ID] = State{Status: status, LastUpdated: timeNow()}
	}

	return m, nil
}

// timeNow exists so tests can't accidentally rely on wall-clock ordering
// without at least naming the seam.
func timeNow() time.Time { return time.Now() }

// GetState returns a snapshot of id's current state.
func (m *Manager) GetState(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	return s, ok
}

// GetModelsByCategory groups every known state by its Category field.
func (m *Manager) GetModelsByCategory() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string)
	for id, s := range m.states {
		out[s.Category] = append(out[s.Category], id)
	}
	return out
}

// SetDefault records id as the default model for category. It is an
// external-operator operation, not part of the download protocol.
func (m *Manager) SetDefault(category, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[category] = id
	if s, ok := m.states[id]; ok {
		s.Category = category
		s.IsDefault = true
		m.states[id] = s
	}
}

// GetDefault returns the model id registered as default for category, if
// any.
func (m *Manager) GetDefault(category string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.defaults[category]
	return id, ok
}

func (m *Manager) setState(id string, mutate func(*State)) {
	m.mu.Lock()
	s := m.states[id]
	mutate(&s)
	s.LastUpdated = timeNow()
	m.states[id] = s
	m.mu.Unlock()
}

// Download starts an asynchronous download job for id, per SPEC_FULL.md
// §4.5. It is idempotent: calling it again while id is already DOWNLOADING
// returns the existing handle without restarting the job.
func (m *Manager) Download(ctx context.Context, id string, listener Listener) (Handle, error) {
	def, ok := m.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("models: unknown model %q", id)
	}

	m.mu.Lock()
	if existing, inFlight := m.downloads[id]; inFlight {
		existing.listener.add(listener)
		m.mu.Unlock()
		return existing, nil
	}

	current := m.states[id]
	if current.Status != StatusAvailable && current.Status != StatusError {
		m.mu.Unlock()
		return nil, fmt.Errorf("models: %s is not in a downloadable state (%s)", id, current.Status)
	}

	j := newJob(id, def, filepath.Join(m.modelsDir, id), m.httpClient)
	j.listener.add(listener)
	m.downloads[id] = j
	m.mu.Unlock()

	m.setState(id, func(s *State) { s.Status = StatusDownloading; s.Progress = 0; s.ErrorMessage = "" })
	m.wireJobToState(j)

	go func() {
		if err := m.pullTokens.Acquire(ctx, 1); err != nil {
			j.listener.OnError(id, err, "")
			j.finish(err)
		} else {
			j.run(ctx)
			m.pullTokens.Release(1)
		}
		m.mu.Lock()
		delete(m.downloads, id)
		m.mu.Unlock()
	}()

	return j, nil
}

// wireJobToState attaches an internal listener to j that keeps m.states in
// sync with the job's emitted events, independent of any caller-supplied
// listener.
func (m *Manager) wireJobToState(j *job) {
	j.listener.add(stateSyncListener{manager: m})
}

type stateSyncListener struct{ manager *Manager }

func (l stateSyncListener) OnStart(id string) {}

func (l stateSyncListener) OnFileProgress(id, _ string, downloaded, total int64, speed, eta float64) {
	l.manager.setState(id, func(s *State) {
		if total > 0 {
			s.Progress = int(100 * float64(downloaded) / float64(total))
		}
		s.Speed = speed
		s.ETA = eta
		s.StorageBytes = downloaded
	})
}

func (l stateSyncListener) OnFileCompleted(id, _ string) {}

func (l stateSyncListener) OnCompleted(id string) {
	l.manager.mu.Lock()
	if def, ok := l.manager.catalog.Get(id); ok {
		l.manager.metadata[id] = def
	}
	_ = saveMetadata(l.manager.metadataPath, l.manager.metadata)
	l.manager.mu.Unlock()

	l.manager.setState(id, func(s *State) {
		s.Status = StatusDownloaded
		s.Progress = 100
		s.ErrorMessage = ""
	})
}

func (l stateSyncListener) OnError(id string, cause error, _ string) {
	if errors.Is(cause, ErrCancelled) {
		l.manager.setState(id, func(s *State) {
			s.Status = StatusAvailable
			s.Progress = 0
			s.ErrorMessage = ""
		})
		return
	}
	l.manager.setState(id, func(s *State) {
		s.Status = StatusError
		s.ErrorMessage = cause.Error()
	})
}

// EnsureDefaultReady notifies listener of completion immediately if
// category's default is already DOWNLOADED/READY; otherwise it starts a
// download for it.
func (m *Manager) EnsureDefaultReady(ctx context.Context, category string, listener Listener) (Handle, error) {
	id, ok := m.GetDefault(category)
	if !ok {
		return nil, fmt.Errorf("models: no default configured for category %q", category)
	}
	state, _ := m.GetState(id)
	if state.Status == StatusDownloaded || state.Status == StatusReady {
		if listener != nil {
			listener.OnCompleted(id)
		}
		return nil, nil
	}
	return m.Download(ctx, id, listener)
}

// Delete cancels any in-flight job for id, removes its on-disk files, and
// updates metadata. It returns false if id was never downloaded or
// in-flight.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	j, inFlight := m.downloads[id]
	if inFlight {
		j.Cancel()
		m.mu.Unlock()
		j.Wait()
		m.mu.Lock()
	}
	_, hadMetadata := m.metadata[id]
	delete(m.metadata, id)
	_ = saveMetadata(m.metadataPath, m.metadata)
	m.mu.Unlock()

	modelDir := filepath.Join(m.modelsDir, id)
	_, statErr := os.Stat(modelDir)
	removeErr := os.RemoveAll(modelDir)

	m.setState(id, func(s *State) {
		s.Status = StatusAvailable
		s.Progress = 0
		s.StorageBytes = 0
		s.ErrorMessage = ""
	})

	return hadMetadata || inFlight || (statErr == nil && removeErr == nil)
}

// CleanupStorage deletes stray .part files and directories that have no
// catalog entry, per SPEC_FULL.md §4.5.
func (m *Manager) CleanupStorage() (CleanupReport, error) {
	var report CleanupReport

	entries, err := os.ReadDir(m.modelsDir)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("models: reading models dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		modelDir := filepath.Join(m.modelsDir, id)

		if _, inCatalog := m.catalog.Get(id); !inCatalog {
			size, _ := dirSize(modelDir)
			if err := os.RemoveAll(modelDir); err == nil {
				report.SpaceFreed += size
				report.ModelsCleanedUp++
			}
			continue
		}

		files, err := os.ReadDir(modelDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if filepath.Ext(f.Name()) != ".part" {
				continue
			}
			info, statErr := f.Info()
			path := filepath.Join(modelDir, f.Name())
			if removeErr := os.Remove(path); removeErr == nil {
				report.TempFilesRemoved++
				if statErr == nil {
					report.SpaceFreed += info.Size()
				}
			}
		}
	}

	return report, nil
}

// DiskUsage returns the aggregate number of bytes stored under modelsDir,
// grounded on scheduling.Scheduler.GetDiskUsage's modelsDiskUsage figure.
func (m *Manager) DiskUsage() (int64, error) {
	if _, err := os.Stat(m.modelsDir); os.IsNotExist(err) {
		return 0, nil
	}
	return dirSize(m.modelsDir)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
