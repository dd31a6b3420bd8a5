package updates

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/client/internal/updates/config"
	"github.com/netbirdio/ota/client/internal/updates/downloader"
	"github.com/netbirdio/ota/client/internal/updates/launcher"
	"github.com/netbirdio/ota/client/internal/updates/loader"
	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/selection"
	"github.com/netbirdio/ota/client/internal/updates/statemanager"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/client/internal/updates/store"
	"github.com/netbirdio/ota/client/internal/updates/telemetry"
)

// extra param keys are dictionary keys of a structured header
var extraParamKey = regexp.MustCompile(`^[a-z*][a-z0-9_\-.*]*$`)

type enabledStrategy struct {
	cfg     *config.Config
	dir     string
	filters selection.Filters

	store  store.Store
	states *statemanager.Manager
	loader *loader.Loader

	host         Host
	connectivity Connectivity

	embeddedFS       fs.FS
	embeddedManifest *manifest.Manifest
	embeddedUpdate   *store.Update

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards the launchers and serializes state file writes
	mu       sync.Mutex
	launcher launcher.Launcher
	// pending is the launch resolved from the cache while the first check runs
	pending launcher.Launcher

	launchReady chan struct{}
	readyOnce   sync.Once
}

func newEnabled(cfg *config.Config, dir string, st store.Store, states *statemanager.Manager, manifests loader.ManifestFetcher,
	assets loader.AssetFetcher, metrics *telemetry.LoaderMetrics, opts Options, embeddedManifest *manifest.Manifest) *enabledStrategy {
	ctx, cancel := context.WithCancel(context.Background())

	s := &enabledStrategy{
		cfg:              cfg,
		dir:              dir,
		filters:          selection.Filters{RuntimeVersion: cfg.RuntimeVersion, Channel: cfg.Channel},
		store:            st,
		states:           states,
		host:             opts.Host,
		connectivity:     opts.Connectivity,
		embeddedFS:       opts.EmbeddedFS,
		embeddedManifest: embeddedManifest,
		ctx:              ctx,
		cancel:           cancel,
		launchReady:      make(chan struct{}),
	}
	if embeddedManifest != nil {
		s.embeddedUpdate = store.EmbeddedUpdate(embeddedManifest, cfg.ScopeKey)
	}

	states.RegisterState(&extraParamsState{})
	states.RegisterState(&rollbackState{})
	states.RegisterState(&errorRecoveryState{})

	s.loader = loader.New(loader.Options{
		Store:       st,
		Manifests:   manifests,
		Assets:      assets,
		Environment: s,
		Request: downloader.ManifestRequest{
			URL:            cfg.UpdateURL,
			RuntimeVersion: cfg.RuntimeVersion,
			Channel:        cfg.Channel,
			Headers:        cfg.RequestHeaders,
		},
		ScopeKey:       cfg.ScopeKey,
		Filters:        s.filters,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        metrics,
	})

	return s
}

func (s *enabledStrategy) start(ctx context.Context) {
	if err := s.states.LoadAll(); err != nil {
		log.Warnf("failed to load updates state: %v", err)
	}

	recovered := s.takeErrorRecovery(ctx)

	initial := s.resolveLaunch(ctx)
	s.mu.Lock()
	s.pending = initial
	s.mu.Unlock()

	if !s.shouldCheckOnLaunch(recovered) {
		log.Debugf("no update check on launch, policy %s", s.cfg.CheckOnLaunch)
		s.install(initial)
		return
	}

	results := make(chan loader.FetchResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.loader.FetchUpdate(s.ctx)
		if err != nil {
			log.Warnf("update check on launch failed: %v", err)
		}
		results <- res
	}()

	if s.cfg.LaunchWaitTimeout <= 0 {
		s.install(initial)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.install(s.awaitFirstRun(results, initial))
	}()
}

// awaitFirstRun waits up to the launch wait timeout for the first loader run and picks the launch.
// Any failure or timeout falls back to initial.
func (s *enabledStrategy) awaitFirstRun(results <-chan loader.FetchResult, initial launcher.Launcher) launcher.Launcher {
	timer := time.NewTimer(s.cfg.LaunchWaitTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		switch res.(type) {
		case loader.FetchSuccess, loader.FetchRollBackToEmbedded:
			return s.resolveLaunch(s.ctx)
		}
	case <-timer.C:
		log.Infof("no update within %v, launching the cached update", s.cfg.LaunchWaitTimeout)
	case <-s.ctx.Done():
	}
	return initial
}

func (s *enabledStrategy) shouldCheckOnLaunch(recovered bool) bool {
	switch s.cfg.CheckOnLaunch {
	case config.CheckAlways:
		return true
	case config.CheckWiFiOnly:
		return s.connectivity != nil && s.connectivity.IsOnWiFi()
	case config.CheckErrorRecoveryOnly:
		return recovered
	default:
		return false
	}
}

// resolveLaunch selects the best launchable update and resolves its files. Updates whose files can not be
// resolved are marked failed and the next best is tried; the embedded update is the last resort.
func (s *enabledStrategy) resolveLaunch(ctx context.Context) launcher.Launcher {
	cached, err := s.store.CompatibleUpdates(ctx, s.cfg.ScopeKey)
	if err != nil {
		log.Errorf("failed to list cached updates: %v", err)
	}

	candidates := make([]*store.Update, 0, len(cached)+1)
	if s.embeddedUpdate != nil {
		candidates = append(candidates, s.embeddedUpdate)
	}
	candidates = append(candidates, cached...)

	policy := selection.NewPolicy(s.filters, s.RollbackPoint())
	current := s.currentUpdate()

	for {
		chosen := policy.SelectUpdateToLaunch(candidates, current)
		if chosen == nil || chosen.IsEmbedded() {
			return launcher.NewEmbeddedLauncher(s.embeddedFS, s.embeddedManifest, s.embeddedUpdate)
		}

		l, err := launcher.NewDatabaseLauncher(ctx, s.store, s.dir, chosen)
		if err == nil {
			return l
		}

		log.Errorf("update %s can not be launched: %v", chosen.ID, err)
		if err := s.store.MarkFailed(ctx, chosen.ID); err != nil {
			log.Warnf("failed to mark update %s failed: %v", chosen.ID, err)
		}
		candidates = without(candidates, chosen.ID)
	}
}

func without(updates []*store.Update, id string) []*store.Update {
	out := make([]*store.Update, 0, len(updates))
	for _, u := range updates {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out
}

// install makes l the launcher of this process and wakes every waiter
func (s *enabledStrategy) install(l launcher.Launcher) {
	s.mu.Lock()
	s.launcher = l
	s.pending = nil
	s.mu.Unlock()

	if u := l.LaunchedUpdate(); u != nil {
		log.Infof("launching update %s (%s)", u.ID, u.Status)
	} else {
		log.Infof("launching embedded bundle %s", l.BundleAssetName())
	}

	s.readyOnce.Do(func() {
		close(s.launchReady)
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.loader.Exclusive(s.ctx, s.reap); err != nil {
			log.Warnf("failed to remove old updates: %v", err)
		}
	}()
}

// takeErrorRecovery reports whether the previous run reported a failed launch and clears that report
func (s *enabledStrategy) takeErrorRecovery(ctx context.Context) bool {
	st, ok := s.states.GetState(&errorRecoveryState{}).(*errorRecoveryState)
	if !ok || st == nil || st.FailedAt.IsZero() {
		return false
	}

	if st.UpdateID != "" {
		log.Infof("recovering from the failed launch of update %s at %s", st.UpdateID, st.FailedAt.Format(time.RFC3339))
	} else {
		log.Infof("recovering from the failed launch of the embedded bundle at %s", st.FailedAt.Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.states.DeleteState(&errorRecoveryState{}); err != nil {
		log.Warnf("failed to clear error recovery state: %v", err)
	}
	if err := s.states.PersistState(ctx); err != nil {
		log.Warnf("failed to clear error recovery state: %v", err)
	}
	return true
}

func (s *enabledStrategy) currentLauncher() launcher.Launcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launcher != nil {
		return s.launcher
	}
	return s.pending
}

func (s *enabledStrategy) currentUpdate() *store.Update {
	if l := s.currentLauncher(); l != nil {
		return l.LaunchedUpdate()
	}
	return nil
}

func (s *enabledStrategy) launchAssetFile(ctx context.Context) (string, error) {
	select {
	case <-s.launchReady:
	case <-ctx.Done():
		return "", status.Errorf(status.Internal, "launch asset file: %w", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launcher.LaunchAssetFile(), nil
}

func (s *enabledStrategy) bundleAssetName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launcher == nil {
		return ""
	}
	return s.launcher.BundleAssetName()
}

func (s *enabledStrategy) constants() Constants {
	c := Constants{
		EmbeddedUpdate: updateInfo(s.embeddedUpdate),
		IsEnabled:      true,
		Channel:        s.cfg.Channel,
		RuntimeVersion: s.cfg.RuntimeVersion,
		CheckOnLaunch:  s.cfg.CheckOnLaunch,
		RequestHeaders: copyMap(s.cfg.RequestHeaders),
	}

	if l := s.currentLauncher(); l != nil {
		c.LaunchedUpdate = updateInfo(l.LaunchedUpdate())
		c.IsUsingEmbeddedAssets = l.IsUsingEmbeddedAssets()
		c.LocalAssetFiles = l.LocalAssetFiles()
	}
	return c
}

// relaunch resolves the newest launchable update again and asks the host to restart with it
func (s *enabledStrategy) relaunch(ctx context.Context) error {
	if s.host == nil {
		return status.Errorf(status.PreconditionFailed, "relaunch: no host registered")
	}

	select {
	case <-s.launchReady:
	case <-ctx.Done():
		return status.Errorf(status.Internal, "relaunch: %w", ctx.Err())
	}

	l := s.resolveLaunch(ctx)
	s.install(l)

	target := l.LaunchAssetFile()
	if target == "" {
		target = l.BundleAssetName()
	}
	if err := s.host.Relaunch(ctx, target); err != nil {
		return status.Errorf(status.Internal, "relaunch %s: %w", target, err)
	}
	return nil
}

func (s *enabledStrategy) checkForUpdate(ctx context.Context) (loader.CheckResult, error) {
	return s.loader.CheckForUpdate(ctx)
}

func (s *enabledStrategy) fetchUpdate(ctx context.Context) (loader.FetchResult, error) {
	return s.loader.FetchUpdate(ctx)
}

func (s *enabledStrategy) extraParams(context.Context) (map[string]string, error) {
	params := s.ExtraParams()
	if params == nil {
		params = map[string]string{}
	}
	return params, nil
}

func (s *enabledStrategy) setExtraParam(ctx context.Context, key string, value *string) error {
	if !extraParamKey.MatchString(key) {
		return status.Errorf(status.InvalidArgument, "invalid extra param key %q: lowercase letters, digits, _ - . and * only", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	params := map[string]string{}
	if st, ok := s.states.GetState(&extraParamsState{}).(*extraParamsState); ok && st != nil {
		params = copyMap(st.Params)
	}

	if value == nil {
		delete(params, key)
	} else {
		params[key] = *value
	}

	if err := s.states.UpdateState(&extraParamsState{Params: params}); err != nil {
		return status.Errorf(status.Internal, "set extra param: %w", err)
	}
	if err := s.states.PersistState(ctx); err != nil {
		return status.Errorf(status.Storage, "persist extra params: %w", err)
	}
	return nil
}

func (s *enabledStrategy) snapshot() (loader.Snapshot, error) {
	return s.loader.Snapshot(), nil
}

func (s *enabledStrategy) markLaunchSuccessful(ctx context.Context) error {
	select {
	case <-s.launchReady:
	default:
		return status.Errorf(status.PreconditionFailed, "mark launch successful: launch is not resolved yet")
	}

	u := s.currentUpdate()
	if u != nil && !u.IsEmbedded() {
		if err := s.store.MarkLaunched(ctx, u.ID); err != nil {
			return fmt.Errorf("mark launch successful: %w", err)
		}
	}
	return nil
}

// markLaunchFailed records that the launched update does not work. A remote update is never launched again
// and the next start runs in error recovery.
func (s *enabledStrategy) markLaunchFailed(ctx context.Context) error {
	select {
	case <-s.launchReady:
	default:
		return status.Errorf(status.PreconditionFailed, "mark launch failed: launch is not resolved yet")
	}

	recovery := &errorRecoveryState{FailedAt: time.Now().UTC()}
	if u := s.currentUpdate(); u != nil && !u.IsEmbedded() {
		log.Warnf("launch of update %s failed", u.ID)
		if err := s.store.MarkFailed(ctx, u.ID); err != nil {
			return fmt.Errorf("mark launch failed: %w", err)
		}
		recovery.UpdateID = u.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.states.UpdateState(recovery); err != nil {
		return status.Errorf(status.Internal, "mark launch failed: %w", err)
	}
	if err := s.states.PersistState(ctx); err != nil {
		return status.Errorf(status.Storage, "mark launch failed: %w", err)
	}
	return nil
}

func (s *enabledStrategy) stop(ctx context.Context) error {
	s.cancel()

	var merr *multierror.Error
	if err := s.loader.Stop(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		merr = multierror.Append(merr, fmt.Errorf("wait for background work: %w", ctx.Err()))
	}

	if err := s.store.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return status.FormatErrorOrNil(merr)
}

// LaunchedUpdate is the update running now, or the one about to be launched while the first check runs
func (s *enabledStrategy) LaunchedUpdate() *store.Update {
	return s.currentUpdate()
}

func (s *enabledStrategy) EmbeddedUpdate() *store.Update {
	return s.embeddedUpdate
}

func (s *enabledStrategy) ExtraParams() map[string]string {
	st, ok := s.states.GetState(&extraParamsState{}).(*extraParamsState)
	if !ok || st == nil {
		return nil
	}
	return copyMap(st.Params)
}

func (s *enabledStrategy) RollbackPoint() *time.Time {
	st, ok := s.states.GetState(&rollbackState{}).(*rollbackState)
	if !ok || st == nil || st.CommitTime.IsZero() {
		return nil
	}
	point := st.CommitTime
	return &point
}

func (s *enabledStrategy) SetRollbackPoint(ctx context.Context, point time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.states.UpdateState(&rollbackState{CommitTime: point.UTC()}); err != nil {
		return err
	}
	return s.states.PersistState(ctx)
}
