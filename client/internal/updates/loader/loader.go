// Package loader checks the update server for new updates, downloads them and records the outcome
// in a small state machine. At most one run touches the network and the store at any time.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/netbirdio/ota/client/internal/updates/downloader"
	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/selection"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/client/internal/updates/store"
	"github.com/netbirdio/ota/client/internal/updates/telemetry"
)

const (
	DefaultRequestTimeout  = time.Minute
	DefaultDownloadTimeout = 10 * time.Minute

	runKindCheck = "check"
	runKindFetch = "fetch"
)

// ManifestFetcher asks the update server which update to run
type ManifestFetcher interface {
	Fetch(ctx context.Context, req downloader.ManifestRequest) (*manifest.Response, error)
}

// AssetFetcher places verified asset files into the updates directory
type AssetFetcher interface {
	DownloadAll(ctx context.Context, assets []manifest.Asset, onAsset func(context.Context, *store.Asset) error) ([]*store.Asset, error)
}

// Environment is the state owned by the controller the loader reads and updates
type Environment interface {
	LaunchedUpdate() *store.Update
	EmbeddedUpdate() *store.Update
	ExtraParams() map[string]string
	RollbackPoint() *time.Time
	SetRollbackPoint(ctx context.Context, point time.Time) error
}

// Options configure a Loader
type Options struct {
	Store       store.Store
	Manifests   ManifestFetcher
	Assets      AssetFetcher
	Environment Environment
	// Request holds the configured url, runtime version, channel and headers of every check
	Request         downloader.ManifestRequest
	ScopeKey        string
	Filters         selection.Filters
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
	Metrics         *telemetry.LoaderMetrics
}

// Loader runs update checks and fetches. Concurrent requests of the same kind join the run in flight,
// requests of different kinds run one after another.
type Loader struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	group singleflight.Group
	runMu sync.Mutex
	wg    sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	snapshot Snapshot
	listener func(Snapshot)
}

// New returns an idle Loader
func New(opts Options) *Loader {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetOnStateChangeListener registers fn to be called with every new snapshot. fn runs on the loader
// goroutine and must not call back into the loader.
func (l *Loader) SetOnStateChangeListener(fn func(Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = fn
}

// Snapshot returns the current state
func (l *Loader) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot
}

// CheckForUpdate asks the server for an update without downloading it
func (l *Loader) CheckForUpdate(ctx context.Context) (CheckResult, error) {
	v, err := l.do(ctx, runKindCheck, func() (any, error) {
		res, _, err := l.check(l.ctx, false)
		return res, err
	})
	if err != nil {
		return nil, err
	}
	return v.(CheckResult), nil
}

// FetchUpdate checks for an update and downloads it when the selection policy prefers it
func (l *Loader) FetchUpdate(ctx context.Context) (FetchResult, error) {
	v, err := l.do(ctx, runKindFetch, func() (any, error) {
		return l.fetch(l.ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(FetchResult), nil
}

// Exclusive runs fn while no check or fetch runs
func (l *Loader) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return status.Errorf(status.PreconditionFailed, "loader is stopped")
	}
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	l.runMu.Lock()
	defer l.runMu.Unlock()
	return fn(ctx)
}

// Stop cancels pending checks and waits for running ones. Downloads in progress finish first.
func (l *Loader) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for loader run: %w", ctx.Err())
	}
}

func (l *Loader) do(ctx context.Context, kind string, run func() (any, error)) (any, error) {
	ch := l.group.DoChan(kind, func() (any, error) {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil, status.Errorf(status.PreconditionFailed, "%s: loader is stopped", kind)
		}
		l.wg.Add(1)
		l.mu.Unlock()
		defer l.wg.Done()

		l.runMu.Lock()
		defer l.runMu.Unlock()

		start := time.Now()
		v, err := run()
		l.opts.Metrics.CountRun(l.ctx, kind, l.Snapshot().State.String(), time.Since(start))
		return v, err
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.Tracef("%s joined a run in flight", kind)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, status.Errorf(status.Internal, "%s: %w", kind, ctx.Err())
	}
}

// candidate is the update a check found worth fetching
type candidate struct {
	update *store.Update
	// stored is set when every asset of the update is already downloaded
	stored bool
}

func (l *Loader) check(ctx context.Context, fetching bool) (CheckResult, *candidate, error) {
	l.transition(StateChecking, func(s *Snapshot) {
		s.IsUpdateAvailable = false
		s.LatestManifest = nil
		s.NoUpdateReason = ""
		s.LastError = ""
	})

	reqCtx, cancel := context.WithTimeout(ctx, l.opts.RequestTimeout)
	defer cancel()

	resp, err := l.opts.Manifests.Fetch(reqCtx, l.request())
	if err != nil {
		return nil, nil, l.fail(err)
	}

	env := l.opts.Environment
	launched := env.LaunchedUpdate()
	policy := selection.NewPolicy(l.opts.Filters, env.RollbackPoint())

	if resp.Directive != nil && resp.Directive.Type == manifest.DirectiveRollBackToEmbedded {
		commitTime := resp.Directive.Parameters.CommitTime.UTC()
		embedded := env.EmbeddedUpdate()
		if embedded == nil {
			return l.noUpdate(ReasonRollbackNoEmbedded), nil, nil
		}
		if !policy.ShouldLoadRollBack(commitTime, embedded, launched) {
			return l.noUpdate(ReasonRollbackRejectedBySelectionPolicy), nil, nil
		}
		if !fetching {
			l.transition(StateRollbackToEmbedded, func(s *Snapshot) {
				s.RollbackCommitTime = &commitTime
			})
		}
		return RollBackToEmbedded{CommitTime: commitTime}, nil, nil
	}

	if resp.Manifest == nil {
		return l.noUpdate(ReasonNoUpdateAvailableOnServer), nil, nil
	}

	m := resp.Manifest
	update, err := store.UpdateFromManifest(m, l.opts.ScopeKey)
	if err != nil {
		return nil, nil, l.fail(status.Errorf(status.Internal, "%w", err))
	}

	existing, err := l.opts.Store.GetUpdate(ctx, m.ID)
	switch {
	case err == nil && existing.Status == store.StatusFailed:
		return l.noUpdate(ReasonUpdatePreviouslyFailed), nil, nil
	case err != nil && !status.IsType(err, status.NotFound):
		return nil, nil, l.fail(err)
	}

	if !policy.ShouldLoadNewUpdate(update, launched) {
		return l.noUpdate(ReasonUpdateRejectedBySelectionPolicy), nil, nil
	}

	c := &candidate{update: update}
	if existing != nil && existing.Status == store.StatusReady {
		c.update = existing
		c.stored = true
	}

	if !fetching {
		l.transition(StateIdle, func(s *Snapshot) {
			s.IsUpdateAvailable = true
			s.LatestManifest = m
		})
	}
	return UpdateAvailable{Manifest: m}, c, nil
}

func (l *Loader) fetch(ctx context.Context) (FetchResult, error) {
	res, c, err := l.check(ctx, true)
	if err != nil {
		return nil, err
	}

	switch r := res.(type) {
	case NoUpdateAvailable:
		return FetchFailure{Reason: r.Reason}, nil
	case RollBackToEmbedded:
		return l.rollBack(ctx, r.CommitTime)
	case UpdateAvailable:
		return l.download(r.Manifest, c)
	default:
		panic(fmt.Sprintf("unexpected check result %T", res))
	}
}

func (l *Loader) rollBack(ctx context.Context, commitTime time.Time) (FetchResult, error) {
	cached, err := l.opts.Store.CompatibleUpdates(ctx, l.opts.ScopeKey)
	if err != nil {
		return nil, l.fail(err)
	}

	policy := selection.NewPolicy(l.opts.Filters, l.opts.Environment.RollbackPoint())
	point := policy.RollbackPoint(commitTime, cached)
	if err := l.opts.Environment.SetRollbackPoint(ctx, point); err != nil {
		return nil, l.fail(status.Errorf(status.Storage, "record rollback: %w", err))
	}

	log.Infof("rollback to the embedded update committed at %s recorded", commitTime.Format(time.RFC3339))
	l.transition(StateRollbackToEmbedded, func(s *Snapshot) {
		s.RollbackCommitTime = &commitTime
	})
	return FetchRollBackToEmbedded{CommitTime: commitTime}, nil
}

func (l *Loader) download(m *manifest.Manifest, c *candidate) (FetchResult, error) {
	l.transition(StateDownloading, func(s *Snapshot) {
		s.LatestManifest = m
	})

	update := c.update
	if c.stored {
		log.Debugf("update %s is already downloaded", update.ID)
		l.ready(update)
		return FetchSuccess{Update: update, IsNew: false}, nil
	}

	// a download is never abandoned half way, only the deadline stops it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), l.opts.DownloadTimeout)
	defer cancel()

	records, err := l.opts.Assets.DownloadAll(ctx, m.AllAssets(), func(ctx context.Context, a *store.Asset) error {
		return l.opts.Store.UpsertAsset(ctx, a)
	})
	if err != nil {
		return nil, l.fail(err)
	}

	if err := l.opts.Store.InsertUpdate(ctx, update, records, m.LaunchAsset.Key); err != nil {
		return nil, l.fail(err)
	}

	log.Infof("update %s committed at %s is ready", update.ID, update.CommitTime.Format(time.RFC3339))
	l.ready(update)
	return FetchSuccess{Update: update, IsNew: true}, nil
}

func (l *Loader) ready(update *store.Update) {
	l.transition(StateReady, func(s *Snapshot) {
		s.DownloadedUpdateID = update.ID
		s.IsUpdateAvailable = false
	})
}

func (l *Loader) noUpdate(reason NoUpdateReason) CheckResult {
	log.Debugf("no update to load: %s", reason)
	l.transition(StateNoUpdate, func(s *Snapshot) {
		s.NoUpdateReason = reason
	})
	return NoUpdateAvailable{Reason: reason}
}

func (l *Loader) fail(err error) error {
	if _, ok := status.FromError(err); !ok {
		err = status.Errorf(status.Internal, "%w", err)
	}
	if errors.Is(err, context.Canceled) {
		log.Debugf("loader run cancelled: %v", err)
	} else {
		log.Warnf("loader run failed: %v", err)
	}
	l.transition(StateError, func(s *Snapshot) {
		s.LastError = err.Error()
	})
	return err
}

func (l *Loader) request() downloader.ManifestRequest {
	req := l.opts.Request
	env := l.opts.Environment
	if launched := env.LaunchedUpdate(); launched != nil {
		req.CurrentUpdateID = launched.ID
	}
	if embedded := env.EmbeddedUpdate(); embedded != nil {
		req.EmbeddedUpdateID = embedded.ID
	}
	req.ExtraParams = env.ExtraParams()
	return req
}

func (l *Loader) transition(to State, mutate func(*Snapshot)) {
	l.mu.Lock()
	from := l.snapshot.State
	if !canTransition(from, to) {
		l.mu.Unlock()
		panic(fmt.Sprintf("invalid loader transition %s -> %s", from, to))
	}

	l.snapshot.State = to
	l.snapshot.Sequence++
	if to == StateChecking {
		l.snapshot.LastCheckTime = time.Now().UTC()
	}
	if mutate != nil {
		mutate(&l.snapshot)
	}
	snapshot := l.snapshot
	listener := l.listener
	l.mu.Unlock()

	log.Tracef("loader state %s -> %s", from, to)
	if listener != nil {
		listener(snapshot)
	}
}
