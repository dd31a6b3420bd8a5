package updates

import (
	"context"
	"io/fs"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/client/internal/updates/config"
	"github.com/netbirdio/ota/client/internal/updates/launcher"
	"github.com/netbirdio/ota/client/internal/updates/loader"
	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/client/internal/updates/store"
)

// disabledStrategy serves the embedded update and refuses everything else.
// It never touches the network or the updates directory.
type disabledStrategy struct {
	cfg      *config.Config
	fatalErr error

	embeddedFS       fs.FS
	embeddedManifest *manifest.Manifest
	embeddedUpdate   *store.Update

	mu       sync.Mutex
	launcher launcher.Launcher

	done       chan struct{}
	signalOnce sync.Once
}

// newDisabledStrategy returns the fallback strategy. cfg is nil when the configuration could not be loaded,
// fatalErr is nil when updates were disabled on purpose.
func newDisabledStrategy(cfg *config.Config, fatalErr error, embeddedFS fs.FS, m *manifest.Manifest) *disabledStrategy {
	s := &disabledStrategy{
		cfg:              cfg,
		fatalErr:         fatalErr,
		embeddedFS:       embeddedFS,
		embeddedManifest: m,
		done:             make(chan struct{}),
	}
	if m != nil {
		scopeKey := ""
		if cfg != nil {
			scopeKey = cfg.ScopeKey
		}
		s.embeddedUpdate = store.EmbeddedUpdate(m, scopeKey)
	}
	return s
}

func (s *disabledStrategy) start(context.Context) {
	s.mu.Lock()
	s.launcher = launcher.NewEmbeddedLauncher(s.embeddedFS, s.embeddedManifest, s.embeddedUpdate)
	s.mu.Unlock()

	if s.fatalErr != nil {
		log.Warnf("emergency launch of the embedded update: %v", s.fatalErr)
	}
	s.signalCompletion()
}

// signalCompletion wakes every caller waiting for the launch. A launcher must be installed first.
func (s *disabledStrategy) signalCompletion() {
	s.mu.Lock()
	installed := s.launcher != nil
	s.mu.Unlock()

	if !installed {
		panic("updates: launch completion signalled before a launcher was installed")
	}
	s.signalOnce.Do(func() {
		close(s.done)
	})
}

func (s *disabledStrategy) launchAssetFile(ctx context.Context) (string, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return "", status.Errorf(status.Internal, "launch asset file: %w", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launcher.LaunchAssetFile(), nil
}

func (s *disabledStrategy) bundleAssetName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launcher == nil {
		return ""
	}
	return s.launcher.BundleAssetName()
}

func (s *disabledStrategy) constants() Constants {
	c := Constants{
		EmbeddedUpdate:        updateInfo(s.embeddedUpdate),
		IsEmergencyLaunch:     s.fatalErr != nil,
		IsEnabled:             false,
		IsUsingEmbeddedAssets: true,
	}
	if s.fatalErr != nil {
		c.EmergencyLaunchReason = s.fatalErr.Error()
	}
	if s.cfg != nil {
		c.Channel = s.cfg.Channel
		c.RuntimeVersion = s.cfg.RuntimeVersion
		c.CheckOnLaunch = s.cfg.CheckOnLaunch
		c.RequestHeaders = copyMap(s.cfg.RequestHeaders)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launcher != nil {
		c.LaunchedUpdate = updateInfo(s.launcher.LaunchedUpdate())
	}
	return c
}

func (s *disabledStrategy) relaunch(context.Context) error {
	return status.NewUpdatesDisabledError("relaunch")
}

func (s *disabledStrategy) checkForUpdate(context.Context) (loader.CheckResult, error) {
	return nil, status.NewUpdatesDisabledError("check for update")
}

func (s *disabledStrategy) fetchUpdate(context.Context) (loader.FetchResult, error) {
	return nil, status.NewUpdatesDisabledError("fetch update")
}

func (s *disabledStrategy) extraParams(context.Context) (map[string]string, error) {
	return nil, status.NewUpdatesDisabledError("get extra params")
}

func (s *disabledStrategy) setExtraParam(context.Context, string, *string) error {
	return status.NewUpdatesDisabledError("set extra param")
}

func (s *disabledStrategy) snapshot() (loader.Snapshot, error) {
	return loader.Snapshot{}, status.NewUpdatesDisabledError("state machine snapshot")
}

func (s *disabledStrategy) markLaunchSuccessful(context.Context) error {
	return status.NewUpdatesDisabledError("mark launch successful")
}

func (s *disabledStrategy) markLaunchFailed(context.Context) error {
	return status.NewUpdatesDisabledError("mark launch failed")
}

func (s *disabledStrategy) stop(context.Context) error {
	return nil
}
