// Package updates decides which update the process runs and keeps the update store current.
//
// A Controller is created once per process. It binds the enabled strategy when the configuration is valid and
// the updates directory is usable, and the disabled strategy, which always serves the embedded update, otherwise.
package updates

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/netbirdio/ota/client/internal/updates/config"
	"github.com/netbirdio/ota/client/internal/updates/downloader"
	"github.com/netbirdio/ota/client/internal/updates/loader"
	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/statemanager"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/client/internal/updates/store"
	"github.com/netbirdio/ota/client/internal/updates/telemetry"
	"github.com/netbirdio/ota/util"
)

// Host restarts the consuming runtime
type Host interface {
	// Relaunch restarts execution pointed at launchAsset, an absolute file path or the name of the embedded bundle
	Relaunch(ctx context.Context, launchAsset string) error
}

// Connectivity tells whether the device is on an unmetered network
type Connectivity interface {
	IsOnWiFi() bool
}

// Options configure a Controller
type Options struct {
	// Defaults are the configuration values shipped with the package
	Defaults map[string]any
	// Overrides are layered over Defaults
	Overrides map[string]any
	// UpdatesDirectory is used when the configuration names none
	UpdatesDirectory string

	EmbeddedFS           fs.FS
	EmbeddedManifestName string

	Host         Host
	Connectivity Connectivity
	HTTPClient   *http.Client
	Meter        metric.Meter
}

type strategy interface {
	start(ctx context.Context)
	launchAssetFile(ctx context.Context) (string, error)
	bundleAssetName() string
	constants() Constants
	relaunch(ctx context.Context) error
	checkForUpdate(ctx context.Context) (loader.CheckResult, error)
	fetchUpdate(ctx context.Context) (loader.FetchResult, error)
	extraParams(ctx context.Context) (map[string]string, error)
	setExtraParam(ctx context.Context, key string, value *string) error
	snapshot() (loader.Snapshot, error)
	markLaunchSuccessful(ctx context.Context) error
	markLaunchFailed(ctx context.Context) error
	stop(ctx context.Context) error
}

// Controller is the process-wide entry point to updates. Its strategy is fixed at construction.
type Controller struct {
	strategy  strategy
	startOnce sync.Once
	started   atomic.Bool
}

// New evaluates the configuration and the updates directory once and binds the matching strategy.
// It never fails: any problem yields a controller serving the embedded update.
func New(ctx context.Context, opts Options) *Controller {
	cfg, err := config.Load(opts.Defaults, opts.Overrides)
	embeddedManifest := loadEmbeddedManifest(opts, cfg)

	if err != nil {
		log.Errorf("updates disabled: %v", err)
		return &Controller{strategy: newDisabledStrategy(cfg, err, opts.EmbeddedFS, embeddedManifest)}
	}

	if !cfg.IsEnabled() {
		log.Infof("updates are disabled by configuration")
		return &Controller{strategy: newDisabledStrategy(cfg, nil, opts.EmbeddedFS, embeddedManifest)}
	}

	s, err := newEnabledStrategy(ctx, cfg, opts, embeddedManifest)
	if err != nil {
		log.Errorf("updates disabled: %v", err)
		return &Controller{strategy: newDisabledStrategy(cfg, err, opts.EmbeddedFS, embeddedManifest)}
	}

	return &Controller{strategy: s}
}

func loadEmbeddedManifest(opts Options, cfg *config.Config) *manifest.Manifest {
	if opts.EmbeddedFS == nil || (cfg != nil && !cfg.HasEmbeddedUpdate) {
		return nil
	}

	m, err := manifest.LoadEmbedded(opts.EmbeddedFS, opts.EmbeddedManifestName)
	if err != nil {
		log.Warnf("no usable embedded update: %v", err)
		return nil
	}
	return m
}

func newEnabledStrategy(ctx context.Context, cfg *config.Config, opts Options, embeddedManifest *manifest.Manifest) (*enabledStrategy, error) {
	dir := cfg.UpdatesDirectory
	if dir == "" {
		dir = opts.UpdatesDirectory
	}
	if dir == "" {
		return nil, status.Errorf(status.Storage, "no updates directory configured")
	}

	if err := util.EnsureDir(dir); err != nil {
		return nil, status.Errorf(status.Storage, "updates directory: %w", err)
	}

	verifier, err := manifest.NewVerifier(cfg.CodeSigningPublicKey)
	if err != nil {
		return nil, status.Errorf(status.InvalidConfig, "%w", err)
	}

	metrics, err := telemetry.NewLoaderMetrics(opts.Meter)
	if err != nil {
		return nil, status.Errorf(status.Internal, "create loader metrics: %w", err)
	}

	st, err := store.NewSqliteStore(ctx, dir)
	if err != nil {
		return nil, err
	}

	states := statemanager.New(filepath.Join(dir, statemanager.StateFileName))
	assets := downloader.NewAssetDownloader(opts.HTTPClient, dir, opts.EmbeddedFS, embeddedManifest, metrics)
	manifests := downloader.NewManifestClient(opts.HTTPClient, verifier)

	return newEnabled(cfg, dir, st, states, manifests, assets, metrics, opts, embeddedManifest), nil
}

// Start resolves the update to launch and schedules the first check. Only the first call has an effect.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.started.Store(true)
		c.strategy.start(ctx)
	})
}

// LaunchAssetFile blocks until the launch is resolved and returns the bundle to run.
// An empty path means the embedded bundle named by BundleAssetName is used.
func (c *Controller) LaunchAssetFile(ctx context.Context) (string, error) {
	if !c.started.Load() {
		return "", status.NewNotStartedError("launch asset file")
	}
	return c.strategy.launchAssetFile(ctx)
}

// BundleAssetName is the embedded bundle name, empty when a downloaded bundle is launched or before the launch is resolved
func (c *Controller) BundleAssetName() string {
	return c.strategy.bundleAssetName()
}

// Constants returns a read-only snapshot of the launch. It never blocks.
func (c *Controller) Constants() Constants {
	return c.strategy.constants()
}

// Relaunch asks the host to restart with the newest launchable update
func (c *Controller) Relaunch(ctx context.Context) error {
	if !c.started.Load() {
		return status.NewNotStartedError("relaunch")
	}
	return c.strategy.relaunch(ctx)
}

// CheckForUpdate asks the server for an update without downloading it
func (c *Controller) CheckForUpdate(ctx context.Context) (loader.CheckResult, error) {
	return c.strategy.checkForUpdate(ctx)
}

// FetchUpdate downloads the update the server offers when the selection policy prefers it
func (c *Controller) FetchUpdate(ctx context.Context) (loader.FetchResult, error) {
	return c.strategy.fetchUpdate(ctx)
}

// ExtraParams returns a copy of the parameters sent with every update check
func (c *Controller) ExtraParams(ctx context.Context) (map[string]string, error) {
	return c.strategy.extraParams(ctx)
}

// SetExtraParam sets key to value; a nil value removes the key
func (c *Controller) SetExtraParam(ctx context.Context, key string, value *string) error {
	return c.strategy.setExtraParam(ctx, key, value)
}

// StateMachineSnapshot returns the loader state
func (c *Controller) StateMachineSnapshot() (loader.Snapshot, error) {
	return c.strategy.snapshot()
}

// MarkLaunchSuccessful confirms that the launched update runs
func (c *Controller) MarkLaunchSuccessful(ctx context.Context) error {
	if !c.started.Load() {
		return status.NewNotStartedError("mark launch successful")
	}
	return c.strategy.markLaunchSuccessful(ctx)
}

// MarkLaunchFailed reports that the launched update does not work. The update is not selected again and the
// next start checks for a fix when the check policy is ERROR_RECOVERY_ONLY.
func (c *Controller) MarkLaunchFailed(ctx context.Context) error {
	if !c.started.Load() {
		return status.NewNotStartedError("mark launch failed")
	}
	return c.strategy.markLaunchFailed(ctx)
}

// Stop stops background work and releases the store
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.strategy.stop(ctx); err != nil {
		return fmt.Errorf("stop updates: %w", err)
	}
	return nil
}
