// Command dispatcherd runs the on-device AI inference dispatcher: it loads
// the model catalog, probes host resources, registers the available
// runners, and serves the HTTP surface described in SPEC_FULL.md.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aidispatch/dispatcher/internal/cancellation"
	"github.com/aidispatch/dispatcher/internal/catalog"
	"github.com/aidispatch/dispatcher/internal/dispatcher"
	"github.com/aidispatch/dispatcher/internal/guardian"
	"github.com/aidispatch/dispatcher/internal/httpapi"
	"github.com/aidispatch/dispatcher/internal/inference"
	"github.com/aidispatch/dispatcher/internal/logging"
	"github.com/aidispatch/dispatcher/internal/metrics"
	"github.com/aidispatch/dispatcher/internal/models"
	"github.com/aidispatch/dispatcher/internal/registry"
	"github.com/aidispatch/dispatcher/internal/resources"
	"github.com/aidispatch/dispatcher/internal/runners"
	"github.com/aidispatch/dispatcher/internal/selector"
	"github.com/aidispatch/dispatcher/internal/settings"
	"github.com/aidispatch/dispatcher/internal/status"
)

func main() {
	log := logging.Component(logging.New(), "dispatcherd")

	if err := newRootCmd(log).Execute(); err != nil {
		log.Errorf("dispatcherd: fatal: %s", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree, grounded on the teacher's cmd/cli
// root command: a thin cobra.Command wrapping a handful of subcommands,
// each doing one operation and returning its own error.
func newRootCmd(log logging.Logger) *cobra.Command {
	cfg := configFromEnv()

	root := &cobra.Command{
		Use:   "dispatcherd",
		Short: "On-device AI inference dispatcher",
	}

	root.PersistentFlags().StringVar(&cfg.addr, "addr", cfg.addr, "address the HTTP API listens on")
	root.PersistentFlags().StringVar(&cfg.modelsDir, "models-dir", cfg.modelsDir, "directory holding downloaded model files")
	root.PersistentFlags().StringVar(&cfg.manifestPath, "manifest", cfg.manifestPath, "path to the model catalog manifest")
	root.PersistentFlags().StringVar(&cfg.metadataPath, "metadata", cfg.metadataPath, "path to the downloaded-models metadata file")
	root.PersistentFlags().StringVar(&cfg.settingsPath, "settings", cfg.settingsPath, "path to the runtime settings file")

	root.AddCommand(newServeCmd(log, &cfg), newCatalogCmd(&cfg))
	return root
}

func newServeCmd(log logging.Logger, cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher HTTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(log, *cfg)
		},
	}
}

func newCatalogCmd(cfg *config) *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect or validate the model catalog manifest",
	}
	catalogCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Parse the manifest and report how many models it declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load(cfg.manifestPath)
			if err != nil {
				return fmt.Errorf("dispatcherd: validating %s: %w", cfg.manifestPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d models declared\n", cfg.manifestPath, len(cat.All()))
			return nil
		},
	})
	return catalogCmd
}

// config is the process's configuration: environment variables supply the
// defaults, and the root command's persistent flags (addr, models-dir,
// manifest, metadata, settings) override them, mirroring the teacher's
// flag-over-env precedence in its own root command.
type config struct {
	addr                string
	modelsDir           string
	manifestPath        string
	metadataPath        string
	settingsPath        string
	ramHeadroomOverride string
	guardianStrictness  string
	localEndpoint       string
	cloudEndpoint       string
	cloudAPIKey         string
}

func configFromEnv() config {
	return config{
		addr:                envOr("AID_ADDR", ":8080"),
		modelsDir:           envOr("AID_MODELS_DIR", "./data/models"),
		manifestPath:        envOr("AID_MANIFEST_PATH", "./data/manifest.json"),
		metadataPath:        envOr("AID_METADATA_PATH", "./data/models/metadata.json"),
		settingsPath:        envOr("AID_SETTINGS_PATH", "./data/settings.json"),
		ramHeadroomOverride: os.Getenv("AID_RAM_HEADROOM"),
		guardianStrictness:  envOr("AID_GUARDIAN_STRICTNESS", "MEDIUM"),
		localEndpoint:       os.Getenv("AID_LOCAL_RUNNER_ENDPOINT"),
		cloudEndpoint:       os.Getenv("AID_CLOUD_RUNNER_ENDPOINT"),
		cloudAPIKey:         os.Getenv("AID_CLOUD_API_KEY"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(log logging.Logger, cfg config) error {
	if cfg.ramHeadroomOverride != "" {
		if _, err := strconv.ParseFloat(cfg.ramHeadroomOverride, 64); err != nil {
			log.Warnf("dispatcherd: ignoring invalid AID_RAM_HEADROOM %q: %s", cfg.ramHeadroomOverride, err)
		}
	}

	if err := os.MkdirAll(cfg.modelsDir, 0o755); err != nil {
		return errors.New("dispatcherd: creating models dir: " + err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(cfg.settingsPath), 0o755); err != nil {
		return errors.New("dispatcherd: creating settings dir: " + err.Error())
	}

	cat, err := loadOrEmptyCatalog(cfg.manifestPath)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}

	modelManager, err := models.NewManager(log, cat, cfg.modelsDir, cfg.metadataPath, httpClient)
	if err != nil {
		return errors.New("dispatcherd: building model manager: " + err.Error())
	}

	reg := registry.New()
	registerRunners(log, reg, httpClient, cfg)

	sel := selector.New(reg)
	monitor := resources.New(log)
	store := settings.NewFileStore(cfg.settingsPath)
	cancelReg := cancellation.New()
	statusPub := status.New()
	pipeline := guardian.NewPipeline(guardian.NewRunner(nil))
	collector := metrics.NewCollector()

	seedDefaultSettings(log, store, cfg.guardianStrictness)

	d := dispatcher.New(log, reg, sel, monitor, cat, modelManager, pipeline, store, cancelReg, statusPub, collector)
	server := httpapi.New(log, d, cat, modelManager, statusPub, cancelReg, collector)

	stopMetrics := startMetricsSampler(monitor, collector)
	defer stopMetrics()

	evictorCtx, stopEvictor := context.WithCancel(context.Background())
	defer stopEvictor()
	go d.RunIdleEvictor(evictorCtx)

	httpServer := &http.Server{
		Addr:              cfg.addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("dispatcherd: listening on %s", cfg.addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Infof("dispatcherd: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := d.Shutdown(shutdownCtx); err != nil {
			log.Warnf("dispatcherd: unloading runners during shutdown: %s", err)
		}
	}
	return nil
}

// loadOrEmptyCatalog loads the manifest if present, and otherwise starts
// with an empty catalog so a fresh install can come up before any models
// have been provisioned.
func loadOrEmptyCatalog(path string) (*catalog.Catalog, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return catalog.LoadBytes([]byte(`{"models":[]}`))
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, errors.New("dispatcherd: loading manifest: " + err.Error())
	}
	return cat, nil
}

// registerRunners wires the Guardian runner (always present) plus any
// configured local accelerator/CPU and cloud HTTP runners. Endpoints are
// optional: a fresh install with neither configured still serves Guardian
// checks and model management.
func registerRunners(log logging.Logger, reg *registry.Registry, httpClient *http.Client, cfg config) {
	if err := reg.Register(guardian.NewRunner(nil)); err != nil {
		log.Warnf("dispatcherd: registering guardian runner: %s", err)
	}

	if cfg.localEndpoint != "" {
		hasAccelerator := resources.HasLocalAccelerator(log)
		name := "LocalCPU"
		if hasAccelerator {
			name = "LocalAccelerator"
		}
		local := runners.NewHTTPRunner(log, inference.RunnerInfo{
			Name:         name,
			Priority:     10,
			Capabilities: []inference.Capability{inference.CapabilityLLM, inference.CapabilityVLM, inference.CapabilityASR, inference.CapabilityTTS},
			Vendor:       inference.Vendor{Name: "local", RequiresSpecialHardware: hasAccelerator},
		}, httpClient, cfg.localEndpoint, nil)
		if err := reg.Register(local); err != nil {
			log.Warnf("dispatcherd: registering local runner: %s", err)
		}
	}

	if cfg.cloudEndpoint != "" {
		cloud := runners.NewHTTPRunner(log, inference.RunnerInfo{
			Name:         "CloudLLM",
			Priority:     50,
			Capabilities: []inference.Capability{inference.CapabilityLLM, inference.CapabilityVLM},
			Vendor:       inference.Vendor{Name: "cloud", RequiresInternet: true},
		}, httpClient, cfg.cloudEndpoint, func() map[string]string {
			if cfg.cloudAPIKey == "" {
				return nil
			}
			return map[string]string{"Authorization": "Bearer " + cfg.cloudAPIKey}
		})
		if err := reg.Register(cloud); err != nil {
			log.Warnf("dispatcherd: registering cloud runner: %s", err)
		}
	}
}

// seedDefaultSettings writes an initial settings file on first run so the
// guardian strictness configured via environment takes effect immediately,
// without clobbering an operator's saved settings on subsequent restarts.
func seedDefaultSettings(log logging.Logger, store *settings.FileStore, strictness string) {
	ctx := context.Background()
	current, err := store.LoadSettings(ctx)
	if err != nil {
		log.Warnf("dispatcherd: loading settings: %s", err)
		return
	}
	if current.GuardianConfig.Mode != "" {
		return
	}
	current.GuardianConfig = inference.GuardianConfig{
		Mode:       inference.GuardianInputOnly,
		Strictness: inference.Strictness(strictness),
	}
	if err := store.SaveSettings(ctx, current); err != nil {
		log.Warnf("dispatcherd: seeding settings: %s", err)
	}
}

// startMetricsSampler periodically refreshes the collector's available-RAM
// gauge from the resource monitor, since that value otherwise only changes
// as a side effect of dispatch requests.
func startMetricsSampler(monitor resources.Monitor, collector *metrics.Collector) func() {
	ticker := time.NewTicker(10 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				collector.SetAvailableRamGB(monitor.AvailableRamGB())
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
