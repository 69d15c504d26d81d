// Package dispatcher implements the AIEngineManager orchestration described
// in SPEC_FULL.md §4.7: it chains Guardian → select → ensure model → load
// with eviction → run/stream, tracking cancellation and publishing status
// at every suspension point.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/mattn/go-shellwords"
	"golang.org/x/sync/errgroup"

	"github.com/aidispatch/dispatcher/internal/cancellation"
	"github.com/aidispatch/dispatcher/internal/catalog"
	"github.com/aidispatch/dispatcher/internal/guardian"
	"github.com/aidispatch/dispatcher/internal/inference"
	"github.com/aidispatch/dispatcher/internal/logging"
	"github.com/aidispatch/dispatcher/internal/metrics"
	"github.com/aidispatch/dispatcher/internal/models"
	"github.com/aidispatch/dispatcher/internal/registry"
	"github.com/aidispatch/dispatcher/internal/resources"
	"github.com/aidispatch/dispatcher/internal/selector"
	"github.com/aidispatch/dispatcher/internal/status"
)

// fallbackRamGB is used as the required-RAM figure when the catalog has no
// entry for the target model, per SPEC_FULL.md §4.7.4 step 1.
const fallbackRamGB = 2

// ramHeadroom is the multiplier applied to the required RAM before the gate
// is satisfied, per SPEC_FULL.md §4.7.4 step 3.
const ramHeadroom = 1.2

// ramReclaimWait is how long the dispatcher sleeps after triggering
// eviction to let the OS reclaim memory, per SPEC_FULL.md §4.7.4 step 3.
const ramReclaimWait = 2 * time.Second

// unloadSettleDelay lets native resources settle between unload and the
// following load, per SPEC_FULL.md §4.7.1 step 7.
const unloadSettleDelay = 100 * time.Millisecond

// downloadPollInterval is the suspension point inside the inline-download
// wait loop, per SPEC_FULL.md §5.
const downloadPollInterval = time.Second

// maxInlineDownloadWait is the hard upper bound on blocking a request for
// an inline model download, per SPEC_FULL.md §4.7.1 step 6.
const maxInlineDownloadWait = 30 * time.Minute

// idleCheckInterval is how often RunIdleEvictor scans for runners that have
// sat unused past runnerIdleTimeout, grounded on
// scheduling.loader's idleCheckDuration.
const idleCheckInterval = 30 * time.Second

// runnerIdleTimeout is how long a loaded runner may sit with zero in-flight
// requests before the idle evictor unloads it, grounded on
// scheduling.loader's runnerIdleTimeout constant.
const runnerIdleTimeout = 5 * time.Minute

// Dispatcher is the AIEngineManager of SPEC_FULL.md §4.7.
type Dispatcher struct {
	log       logging.Logger
	registry  *registry.Registry
	selector  *selector.Selector
	monitor   resources.Monitor
	catalog   *catalog.Catalog
	models    *models.Manager
	pipeline  *guardian.Pipeline
	settings  inference.SettingsStore
	cancelReg *cancellation.Registry
	statusPub *status.Publisher
	metrics   *metrics.Collector

	mu              sync.Mutex
	activeRunners   map[string]inference.Runner
	activeCount     int
	runnerRefs      map[string]int
	runnerIdleSince map[string]time.Time
}

// New wires a Dispatcher from its collaborators. Any of models/pipeline may
// be nil if that subsystem is not configured; the dispatcher degrades
// gracefully (no inline downloads, guardian effectively disabled). collector
// may be nil, in which case the dispatcher runs without publishing metrics.
func New(
	log logging.Logger,
	reg *registry.Registry,
	sel *selector.Selector,
	monitor resources.Monitor,
	cat *catalog.Catalog,
	modelManager *models.Manager,
	pipeline *guardian.Pipeline,
	settings inference.SettingsStore,
	cancelReg *cancellation.Registry,
	statusPub *status.Publisher,
	collector *metrics.Collector,
) *Dispatcher {
	return &Dispatcher{
		log:             log,
		registry:        reg,
		selector:        sel,
		monitor:         monitor,
		catalog:         cat,
		models:          modelManager,
		pipeline:        pipeline,
		settings:        settings,
		cancelReg:       cancelReg,
		statusPub:       statusPub,
		metrics:         collector,
		activeRunners:   make(map[string]inference.Runner),
		runnerRefs:      make(map[string]int),
		runnerIdleSince: make(map[string]time.Time),
	}
}

func freshRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "request-" + hex.EncodeToString(buf)
}

// Process is the AIEngineManager.process entry point of SPEC_FULL.md
// §4.7.1.
func (d *Dispatcher) Process(ctx context.Context, req inference.Request, capability inference.Capability, preferredRunner string) inference.Result {
	requestID := req.SessionID
	if requestID == "" {
		requestID = freshRequestID()
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancelReg.Register(requestID, cancel)
	defer d.cancelReg.Unregister(requestID)

	d.enterRequest()
	defer d.leaveRequest()

	result, _ := d.runPrelude(ctx, req, capability, preferredRunner, func(ctx context.Context, runner inference.Runner, req inference.Request) inference.Result {
		res, err := runner.Run(ctx, req)
		if err != nil {
			d.statusPub.Publish(status.Err(err.Error(), true))
			return inference.ErrorResult(inference.CodeRuntimeError, err.Error(), err, true)
		}
		return res
	})
	return result
}

// ProcessStream is the AIEngineManager.processStream entry point of
// SPEC_FULL.md §4.7.2. The returned inference.ResultStream is lazy:
// suspension points are checked between emissions.
func (d *Dispatcher) ProcessStream(ctx context.Context, req inference.Request, capability inference.Capability, preferredRunner string) inference.ResultStream {
	requestID := req.SessionID
	if requestID == "" {
		requestID = freshRequestID()
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancelReg.Register(requestID, cancel)
	d.enterRequest()

	runner, effectiveReq, errResult, ok := d.prepare(ctx, req, capability, preferredRunner)

	cleanup := func() {
		if runner != nil {
			d.releaseRunner(runner)
		}
		d.cancelReg.Unregister(requestID)
		d.leaveRequest()
		cancel()
	}

	if !ok {
		cleanup()
		return newSingleResultStream(errResult)
	}

	streamingRunner, isStreaming := runner.(inference.StreamingRunner)
	if !isStreaming {
		cleanup()
		return newSingleResultStream(inference.ErrorResult(inference.CodeStreamingNotSupported, runner.Info().Name+" does not support streaming", nil, true))
	}

	upstream, err := streamingRunner.RunStream(ctx, effectiveReq)
	if err != nil {
		d.statusPub.Publish(status.Err(err.Error(), true))
		cleanup()
		return newSingleResultStream(inference.ErrorResult(inference.CodeRuntimeError, err.Error(), err, true))
	}

	return &dispatcherStream{ctx: ctx, upstream: upstream, cleanup: cleanup}
}

// runPrelude runs prepare (steps 3-7 of §4.7.1), then invokes run with the
// selected runner and enriched request and releases the runner afterwards.
// Only Process uses it; ProcessStream calls prepare directly.
func (d *Dispatcher) runPrelude(
	ctx context.Context,
	req inference.Request,
	capability inference.Capability,
	preferredRunner string,
	run func(context.Context, inference.Runner, inference.Request) inference.Result,
) (inference.Result, bool) {
	runner, effectiveReq, errResult, ok := d.prepare(ctx, req, capability, preferredRunner)
	if !ok {
		return errResult, false
	}
	defer d.releaseRunner(runner)
	return run(ctx, runner, effectiveReq), true
}

// prepare executes Guardian → select → ensure-model → ensure-loaded
// (§4.7.1 steps 3-7), returning the chosen runner and enriched request on
// success, or a terminal result on any failure/block.
func (d *Dispatcher) prepare(
	ctx context.Context,
	req inference.Request,
	capability inference.Capability,
	preferredRunner string,
) (inference.Runner, inference.Request, inference.Result, bool) {
	if ctx.Err() != nil {
		return nil, inference.Request{}, inference.Result{}, false
	}

	if blocked, result, err := d.checkGuardian(ctx, req); err != nil {
		d.statusPub.Publish(status.Err(err.Error(), true))
		return nil, inference.Request{}, inference.ErrorResult(inference.CodeRuntimeError, err.Error(), err, true), false
	} else if blocked {
		if d.metrics != nil {
			d.metrics.IncGuardianBlocks()
		}
		d.statusPub.Publish(status.Err("request blocked by guardian", true))
		return nil, inference.Request{}, result, false
	}

	if ctx.Err() != nil {
		return nil, inference.Request{}, inference.Result{}, false
	}

	runner, selErr := d.selector.Select(capability, preferredRunner)
	if selErr != nil {
		d.statusPub.Publish(status.Err(selErr.Message, selErr.Recoverable))
		return nil, inference.Request{}, inference.Result{Error: selErr}, false
	}

	if ctx.Err() != nil {
		return nil, inference.Request{}, inference.Result{}, false
	}

	targetModelID := d.resolveEffectiveModel(ctx, runner, req)
	effectiveReq := req.WithParam("model", targetModelID)

	if targetModelID != "" {
		if err := d.ensureModelOnDisk(ctx, targetModelID); err != nil {
			d.statusPub.Publish(status.Err(err.Error(), true))
			return nil, inference.Request{}, inference.ErrorResult(inference.CodeModelDownloadFailed, err.Error(), err, true), false
		}
	}

	if err := d.ensureModelLoaded(ctx, runner, targetModelID, effectiveReq); err != nil {
		code := inference.CodeModelLoadFailed
		if _, insufficient := err.(*insufficientResourcesError); insufficient {
			code = inference.CodeInsufficientResources
		}
		if d.metrics != nil {
			d.metrics.IncModelLoadErrors()
		}
		d.statusPub.Publish(status.Err(err.Error(), true))
		return nil, inference.Request{}, inference.ErrorResult(code, err.Error(), err, true), false
	}

	d.recordActive(runner)
	d.acquireRunner(runner)

	return runner, effectiveReq, inference.Result{}, true
}

func (d *Dispatcher) checkGuardian(ctx context.Context, req inference.Request) (bool, inference.Result, error) {
	if d.pipeline == nil {
		return false, inference.Result{}, nil
	}

	base := inference.GuardianConfig{Mode: inference.GuardianDisabled}
	if d.settings != nil {
		if s, err := d.settings.LoadSettings(ctx); err == nil {
			base = s.GuardianConfig
		}
	}
	cfg := guardian.EffectiveConfig(base, req)

	outcome, err := d.pipeline.CheckInput(ctx, req, cfg)
	if err != nil {
		return false, inference.Result{}, err
	}
	if !outcome.Passed {
		return true, guardian.BlockedResult(outcome.Analysis), nil
	}
	return false, inference.Result{}, nil
}

func (d *Dispatcher) recordActive(runner inference.Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeRunners[runner.Info().Name] = runner
}

func (d *Dispatcher) enterRequest() {
	d.mu.Lock()
	d.activeCount++
	n := d.activeCount
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.SetActiveRequests(n)
	}
	d.statusPub.Publish(status.Processing(n))
}

func (d *Dispatcher) leaveRequest() {
	d.mu.Lock()
	d.activeCount--
	n := d.activeCount
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.SetActiveRequests(n)
	}
	if n > 0 {
		d.statusPub.Publish(status.Processing(n))
	} else {
		d.statusPub.Publish(status.Ready())
	}
}

// resolveEffectiveModel implements the precedence order of SPEC_FULL.md
// §4.7.3.
func (d *Dispatcher) resolveEffectiveModel(ctx context.Context, runner inference.Runner, req inference.Request) string {
	info := runner.Info()
	isCloud := info.Vendor.RequiresInternet

	if raw, ok := req.Params["model"]; ok {
		if id, ok := raw.(string); ok && strings.TrimSpace(id) != "" {
			if isCloud {
				return id
			}
			if d.catalog != nil {
				if _, inCatalog := d.catalog.Get(id); inCatalog {
					return id
				}
			}
		}
	}

	if d.settings != nil {
		if s, err := d.settings.LoadSettings(ctx); err == nil {
			if params, ok := s.PerRunnerParameters[info.Name]; ok {
				if id, ok := params["model"].(string); ok && strings.TrimSpace(id) != "" {
					return id
				}
			}
		}
	}

	return d.heuristicDefault(info, isCloud)
}

func (d *Dispatcher) heuristicDefault(info inference.RunnerInfo, isCloud bool) string {
	if d.catalog == nil {
		return ""
	}
	if info.DefaultModelID != "" {
		if _, ok := d.catalog.Get(info.DefaultModelID); ok {
			return info.DefaultModelID
		}
	}

	compatible := d.catalog.CompatibleWith(info.Name)
	for _, def := range compatible {
		lower := strings.ToLower(def.ID)
		if strings.Contains(lower, "default") || strings.Contains(lower, "base") || strings.Contains(lower, "spin") {
			return def.ID
		}
	}

	if len(compatible) == 0 {
		return ""
	}
	if isCloud {
		return compatible[0].ID
	}

	best := compatible[0]
	for _, def := range compatible[1:] {
		if def.RamGB < best.RamGB {
			best = def
		}
	}
	return best.ID
}

// ensureModelOnDisk blocks until targetModelID's state reaches
// DOWNLOADED/READY, invoking ModelManager.Download inline if needed, per
// SPEC_FULL.md §4.7.1 step 6.
func (d *Dispatcher) ensureModelOnDisk(ctx context.Context, targetModelID string) error {
	if d.models == nil {
		return nil
	}

	state, known := d.models.GetState(targetModelID)
	if !known {
		return nil // runner-intrinsic model, not catalog-managed
	}
	if state.Status == models.StatusDownloaded || state.Status == models.StatusReady {
		return nil
	}

	handle, err := d.models.Download(ctx, targetModelID, models.NopListener{})
	if err != nil {
		return err
	}
	if handle == nil {
		return nil
	}
	if d.metrics != nil {
		d.metrics.IncModelDownloads()
	}

	deadline := time.Now().Add(maxInlineDownloadWait)
	ticker := time.NewTicker(downloadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			handle.Cancel()
			return ctx.Err()
		case <-ticker.C:
			s, _ := d.models.GetState(targetModelID)
			d.statusPub.Publish(status.Downloading(targetModelID, float64(s.Progress), 0, false))
			if s.Status == models.StatusDownloaded || s.Status == models.StatusReady {
				return nil
			}
			if s.Status == models.StatusError {
				return fmt.Errorf("models: download of %s failed: %s", targetModelID, s.ErrorMessage)
			}
			if time.Now().After(deadline) {
				handle.Cancel()
				return fmt.Errorf("models: download of %s exceeded %s", targetModelID, maxInlineDownloadWait)
			}
		}
	}
}

// ensureModelLoaded implements SPEC_FULL.md §4.7.1 step 7.
func (d *Dispatcher) ensureModelLoaded(ctx context.Context, runner inference.Runner, targetModelID string, req inference.Request) error {
	if runner.IsLoaded() && runner.LoadedModelID() == targetModelID {
		return nil
	}

	if runner.IsLoaded() {
		if err := runner.Unload(ctx); err != nil {
			d.log.Warnf("dispatcher: unload of %s failed: %s", runner.Info().Name, err)
		}
		time.Sleep(unloadSettleDelay)
	}

	if err := d.enforceRamGate(ctx, runner, targetModelID); err != nil {
		return err
	}

	var settings map[string]any
	if d.settings != nil {
		if s, err := d.settings.LoadSettings(ctx); err == nil {
			settings = s.PerRunnerParameters[runner.Info().Name]
		}
	}
	settings = withParsedRawFlags(d.log, settings)

	ok, err := runner.Load(ctx, targetModelID, settings, req.Params)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dispatcher: %s declined to load %s", runner.Info().Name, targetModelID)
	}
	return nil
}

// enforceRamGate implements SPEC_FULL.md §4.7.4.
func (d *Dispatcher) enforceRamGate(ctx context.Context, candidate inference.Runner, targetModelID string) error {
	if candidate.Info().Vendor.RequiresInternet {
		return nil
	}

	required := float64(fallbackRamGB)
	if d.catalog != nil {
		if def, ok := d.catalog.Get(targetModelID); ok && def.RamGB > 0 {
			required = float64(def.RamGB)
		}
	}

	avail := d.monitor.AvailableRamGB()
	if avail >= ramHeadroom*required {
		return nil
	}

	d.evictExcept(candidate)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ramReclaimWait):
	}

	avail = d.monitor.AvailableRamGB()
	if avail < required {
		return &insufficientResourcesError{required: required, available: avail}
	}
	return nil
}

type insufficientResourcesError struct {
	required, available float64
}

func (e *insufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient RAM: need %s, have %s",
		units.BytesSize(e.required*1e9), units.BytesSize(e.available*1e9))
}

// withParsedRawFlags expands a free-form "rawFlags" string in settings (an
// operator-supplied command-line-style override, e.g. "--ctx-size 4096
// --temp 0.2") into a parsed "args" string slice runners can consume
// directly, the way scheduling.Scheduler.Configure parses
// RawRuntimeFlags before handing them to a backend.
func withParsedRawFlags(log logging.Logger, settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	raw, ok := settings["rawFlags"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return settings
	}

	args, err := shellwords.Parse(raw)
	if err != nil {
		log.Warnf("dispatcher: parsing rawFlags %q: %s", raw, err)
		return settings
	}

	out := make(map[string]any, len(settings)+1)
	for k, v := range settings {
		out[k] = v
	}
	out["args"] = args
	return out
}

// evictExcept unloads every active runner other than candidate,
// best-effort, per SPEC_FULL.md §4.7.4.
func (d *Dispatcher) evictExcept(candidate inference.Runner) {
	d.mu.Lock()
	toEvict := make([]inference.Runner, 0, len(d.activeRunners))
	candidateName := candidate.Info().Name
	for name, runner := range d.activeRunners {
		if name == candidateName {
			continue
		}
		toEvict = append(toEvict, runner)
	}
	d.mu.Unlock()

	for _, runner := range toEvict {
		if !runner.IsLoaded() {
			d.removeActive(runner.Info().Name)
			continue
		}
		if err := runner.Unload(context.Background()); err != nil {
			d.log.Warnf("dispatcher: eviction unload of %s failed: %s", runner.Info().Name, err)
			continue
		}
		d.removeActive(runner.Info().Name)
	}
}

func (d *Dispatcher) removeActive(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.activeRunners, name)
	delete(d.runnerRefs, name)
	delete(d.runnerIdleSince, name)
}

// acquireRunner marks runner as in-flight-referenced, clearing any recorded
// idle-start time, grounded on scheduling.loader.references.
func (d *Dispatcher) acquireRunner(runner inference.Runner) {
	name := runner.Info().Name
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runnerRefs[name]++
	delete(d.runnerIdleSince, name)
}

// releaseRunner drops one reference to runner; once its reference count
// reaches zero, its idle clock starts ticking for RunIdleEvictor.
func (d *Dispatcher) releaseRunner(runner inference.Runner) {
	name := runner.Info().Name
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runnerRefs[name] > 0 {
		d.runnerRefs[name]--
	}
	if d.runnerRefs[name] == 0 {
		d.runnerIdleSince[name] = time.Now()
	}
}

// RunIdleEvictor periodically unloads runners that have sat with zero
// in-flight requests for longer than runnerIdleTimeout, grounded on
// scheduling.loader.run's idle-eviction timer. It never evicts a runner
// with a nonzero reference count. Call it in its own goroutine; it returns
// when ctx is cancelled.
func (d *Dispatcher) RunIdleEvictor(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evictIdleRunners()
		}
	}
}

func (d *Dispatcher) evictIdleRunners() {
	now := time.Now()

	d.mu.Lock()
	var toEvict []inference.Runner
	for name, idleSince := range d.runnerIdleSince {
		if d.runnerRefs[name] > 0 {
			continue
		}
		if now.Sub(idleSince) < runnerIdleTimeout {
			continue
		}
		if runner, ok := d.activeRunners[name]; ok {
			toEvict = append(toEvict, runner)
		}
	}
	d.mu.Unlock()

	for _, runner := range toEvict {
		if !runner.IsLoaded() {
			d.removeActive(runner.Info().Name)
			continue
		}
		if err := runner.Unload(context.Background()); err != nil {
			d.log.Warnf("dispatcher: idle eviction of %s failed: %s", runner.Info().Name, err)
			continue
		}
		d.removeActive(runner.Info().Name)
	}
}

// Shutdown unloads every currently active runner concurrently, so process
// shutdown doesn't wait on one slow backend before asking the next one to
// free its memory. Grounded on the teacher's Scheduler.Run, which fans its
// worker goroutines out through an errgroup.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	runnersToUnload := make([]inference.Runner, 0, len(d.activeRunners))
	for _, runner := range d.activeRunners {
		runnersToUnload = append(runnersToUnload, runner)
	}
	d.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, runner := range runnersToUnload {
		runner := runner
		group.Go(func() error {
			if err := runner.Unload(groupCtx); err != nil {
				d.log.Warnf("dispatcher: shutdown unload of %s failed: %s", runner.Info().Name, err)
			}
			d.removeActive(runner.Info().Name)
			return nil
		})
	}
	return group.Wait()
}
