package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/ota/client/internal/updates/downloader"
	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/selection"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/client/internal/updates/store"
)

const scope = "https://updates.example.com"

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeManifests struct {
	mu      sync.Mutex
	resp    *manifest.Response
	err     error
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	lastReq downloader.ManifestRequest
}

func (f *fakeManifests) set(resp *manifest.Response, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp, f.err = resp, err
}

func (f *fakeManifests) Fetch(ctx context.Context, req downloader.ManifestRequest) (*manifest.Response, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return f.resp, f.err
}

type fakeAssets struct {
	err   error
	calls atomic.Int32
}

func (f *fakeAssets) DownloadAll(ctx context.Context, assets []manifest.Asset, onAsset func(context.Context, *store.Asset) error) ([]*store.Asset, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	records := make([]*store.Asset, 0, len(assets))
	for _, a := range assets {
		r := store.AssetFromManifest(a)
		r.ExpectedHash = "hash-" + a.Key
		if err := onAsset(ctx, r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

type fakeEnv struct {
	mu       sync.Mutex
	launched *store.Update
	embedded *store.Update
	rollback *time.Time
	extra    map[string]string
}

func (e *fakeEnv) LaunchedUpdate() *store.Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launched
}

func (e *fakeEnv) EmbeddedUpdate() *store.Update {
	return e.embedded
}

func (e *fakeEnv) ExtraParams() map[string]string {
	return e.extra
}

func (e *fakeEnv) RollbackPoint() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollback
}

func (e *fakeEnv) SetRollbackPoint(_ context.Context, point time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollback = &point
	return nil
}

type testLoader struct {
	*Loader
	store     *store.SqliteStore
	manifests *fakeManifests
	assets    *fakeAssets
	env       *fakeEnv
}

func newTestLoader(t *testing.T) *testLoader {
	t.Helper()
	st, err := store.NewSqliteStore(context.Background(), t.TempDir())
	require.NoError(t, err)

	embedded := &store.Update{ID: uuid.NewString(), ScopeKey: scope, CommitTime: base, RuntimeVersion: "1.0.0", Status: store.StatusEmbedded}
	tl := &testLoader{
		store:     st,
		manifests: &fakeManifests{},
		assets:    &fakeAssets{},
		env:       &fakeEnv{embedded: embedded, launched: embedded, extra: map[string]string{"user": "alice"}},
	}
	tl.Loader = New(Options{
		Store:       st,
		Manifests:   tl.manifests,
		Assets:      tl.assets,
		Environment: tl.env,
		Request:     downloader.ManifestRequest{RuntimeVersion: "1.0.0"},
		ScopeKey:    scope,
		Filters:     selection.Filters{RuntimeVersion: "1.0.0"},
	})

	t.Cleanup(func() {
		_ = tl.Stop(context.Background())
		_ = st.Close()
	})
	return tl
}

func newManifest(commit time.Time, runtime string) *manifest.Manifest {
	id := uuid.NewString()
	return &manifest.Manifest{
		ID:             id,
		CreatedAt:      commit,
		RuntimeVersion: runtime,
		LaunchAsset:    manifest.Asset{Key: "bundle-" + id, FileExtension: ".js", URL: "https://cdn.example.com/bundle.js"},
		Assets:         []manifest.Asset{{Key: "logo", FileExtension: ".png", URL: "https://cdn.example.com/logo.png"}},
	}
}

func rollbackDirective(commit time.Time) *manifest.Response {
	d := &manifest.Directive{Type: manifest.DirectiveRollBackToEmbedded}
	d.Parameters.CommitTime = commit
	return &manifest.Response{Directive: d}
}

func TestLoader_NoUpdate(t *testing.T) {
	tl := newTestLoader(t)
	tl.manifests.set(&manifest.Response{}, nil)
	ctx := context.Background()

	res, err := tl.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoUpdateAvailable{Reason: ReasonNoUpdateAvailableOnServer}, res)
	assert.Equal(t, StateNoUpdate, tl.Snapshot().State)

	fetched, err := tl.FetchUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, FetchFailure{Reason: ReasonNoUpdateAvailableOnServer}, fetched)

	all, err := tl.store.AllUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "a fetch without update writes nothing")
	assert.Equal(t, int32(0), tl.assets.calls.Load())

	assert.Equal(t, map[string]string{"user": "alice"}, tl.manifests.lastReq.ExtraParams)
	assert.Equal(t, tl.env.embedded.ID, tl.manifests.lastReq.EmbeddedUpdateID)
	assert.Equal(t, tl.env.embedded.ID, tl.manifests.lastReq.CurrentUpdateID)
}

func TestLoader_CheckThenFetch(t *testing.T) {
	tl := newTestLoader(t)
	m := newManifest(base.Add(time.Hour), "1.0.0")
	tl.manifests.set(&manifest.Response{Manifest: m}, nil)
	ctx := context.Background()

	var states []State
	var mu sync.Mutex
	tl.SetOnStateChangeListener(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	})

	res, err := tl.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateAvailable{Manifest: m}, res)
	snap := tl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, snap.IsUpdateAvailable)
	assert.Equal(t, m.ID, snap.LatestManifest.ID)

	fetched, err := tl.FetchUpdate(ctx)
	require.NoError(t, err)
	success, ok := fetched.(FetchSuccess)
	require.True(t, ok)
	assert.True(t, success.IsNew)
	assert.Equal(t, m.ID, success.Update.ID)

	snap = tl.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, m.ID, snap.DownloadedUpdateID)
	assert.False(t, snap.IsUpdateAvailable)

	stored, err := tl.store.CompatibleUpdates(ctx, scope)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, m.ID, stored[0].ID)

	assets, err := tl.store.AssetsForUpdate(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, assets, 2)

	again, err := tl.FetchUpdate(ctx)
	require.NoError(t, err)
	assert.False(t, again.(FetchSuccess).IsNew)
	assert.Equal(t, int32(1), tl.assets.calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateChecking, StateIdle, StateChecking, StateDownloading, StateReady, StateChecking, StateDownloading, StateReady}, states)
}

func TestLoader_RejectedUpdates(t *testing.T) {
	tests := []struct {
		name     string
		manifest func(tl *testLoader) *manifest.Manifest
		reason   NoUpdateReason
	}{
		{
			name: "older than launched",
			manifest: func(tl *testLoader) *manifest.Manifest {
				return newManifest(base.Add(-time.Hour), "1.0.0")
			},
			reason: ReasonUpdateRejectedBySelectionPolicy,
		},
		{
			name: "other runtime version",
			manifest: func(tl *testLoader) *manifest.Manifest {
				return newManifest(base.Add(time.Hour), "2.0.0")
			},
			reason: ReasonUpdateRejectedBySelectionPolicy,
		},
		{
			name: "previously failed",
			manifest: func(tl *testLoader) *manifest.Manifest {
				m := newManifest(base.Add(time.Hour), "1.0.0")
				u, err := store.UpdateFromManifest(m, scope)
				require.NoError(t, err)
				require.NoError(t, tl.store.InsertUpdate(context.Background(), u, nil, m.LaunchAsset.Key))
				require.NoError(t, tl.store.MarkFailed(context.Background(), u.ID))
				return m
			},
			reason: ReasonUpdatePreviouslyFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := newTestLoader(t)
			tl.manifests.set(&manifest.Response{Manifest: tt.manifest(tl)}, nil)

			res, err := tl.FetchUpdate(context.Background())
			require.NoError(t, err)
			assert.Equal(t, FetchFailure{Reason: tt.reason}, res)
			assert.Equal(t, tt.reason, tl.Snapshot().NoUpdateReason)
			assert.Equal(t, int32(0), tl.assets.calls.Load())
		})
	}
}

func TestLoader_RollBackToEmbedded(t *testing.T) {
	tl := newTestLoader(t)
	ctx := context.Background()

	// a newer compatible update is cached and running
	cachedManifest := newManifest(base.Add(3*time.Hour), "1.0.0")
	cached, err := store.UpdateFromManifest(cachedManifest, scope)
	require.NoError(t, err)
	require.NoError(t, tl.store.InsertUpdate(ctx, cached, nil, cachedManifest.LaunchAsset.Key))
	tl.env.launched = cached

	directiveTime := base.Add(time.Hour)
	tl.manifests.set(rollbackDirective(directiveTime), nil)

	res, err := tl.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, RollBackToEmbedded{CommitTime: directiveTime}, res)
	assert.Equal(t, StateRollbackToEmbedded, tl.Snapshot().State)
	assert.Nil(t, tl.env.RollbackPoint(), "a check records nothing")

	fetched, err := tl.FetchUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, FetchRollBackToEmbedded{CommitTime: directiveTime}, fetched)

	point := tl.env.RollbackPoint()
	require.NotNil(t, point)
	assert.Equal(t, cached.CommitTime, *point)

	candidates, err := tl.store.CompatibleUpdates(ctx, scope)
	require.NoError(t, err)
	policy := selection.NewPolicy(selection.Filters{RuntimeVersion: "1.0.0"}, point)
	chosen := policy.SelectUpdateToLaunch(append([]*store.Update{tl.env.embedded}, candidates...), nil)
	assert.Equal(t, tl.env.embedded.ID, chosen.ID, "embedded wins the next launch")

	// once embedded runs, the same directive changes nothing
	tl.env.launched = tl.env.embedded
	res, err = tl.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoUpdateAvailable{Reason: ReasonRollbackRejectedBySelectionPolicy}, res)

	// a later compatible update supersedes the rollback
	later := newManifest(base.Add(4*time.Hour), "1.0.0")
	tl.manifests.set(&manifest.Response{Manifest: later}, nil)
	res, err = tl.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, UpdateAvailable{Manifest: later}, res)
}

func TestLoader_RollBackWithoutEmbedded(t *testing.T) {
	tl := newTestLoader(t)
	tl.env.embedded = nil
	tl.env.launched = nil
	tl.manifests.set(rollbackDirective(base), nil)

	res, err := tl.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoUpdateAvailable{Reason: ReasonRollbackNoEmbedded}, res)
}

func TestLoader_DownloadFailure(t *testing.T) {
	tl := newTestLoader(t)
	tl.manifests.set(&manifest.Response{Manifest: newManifest(base.Add(time.Hour), "1.0.0")}, nil)
	tl.assets.err = status.Errorf(status.Remote, "asset bundle: hash mismatch")
	ctx := context.Background()

	_, err := tl.FetchUpdate(ctx)
	require.Error(t, err)
	assert.True(t, status.IsType(err, status.Remote))

	snap := tl.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Contains(t, snap.LastError, "hash mismatch")

	all, err := tl.store.AllUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "a failed update is never promoted")
}

func TestLoader_RemoteFailure(t *testing.T) {
	tl := newTestLoader(t)
	tl.manifests.set(nil, status.Errorf(status.Remote, "update check: connection refused"))

	_, err := tl.CheckForUpdate(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, tl.Snapshot().State)

	tl.manifests.set(&manifest.Response{}, nil)
	res, err := tl.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.IsType(t, NoUpdateAvailable{}, res, "a later check starts over")
}

func TestLoader_ConcurrentChecksJoin(t *testing.T) {
	tl := newTestLoader(t)
	tl.manifests.set(&manifest.Response{Manifest: newManifest(base.Add(time.Hour), "1.0.0")}, nil)
	tl.manifests.started = make(chan struct{}, 2)
	tl.manifests.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]CheckResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = tl.CheckForUpdate(context.Background())
		}()
		if i == 0 {
			<-tl.manifests.started
		}
	}

	time.Sleep(100 * time.Millisecond)
	close(tl.manifests.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, int32(1), tl.manifests.calls.Load(), "the second check joins the run in flight")
}

func TestLoader_CallerTimeoutDoesNotCancelRun(t *testing.T) {
	tl := newTestLoader(t)
	tl.manifests.set(&manifest.Response{}, nil)
	tl.manifests.started = make(chan struct{}, 1)
	tl.manifests.release = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tl.CheckForUpdate(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	<-tl.manifests.started
	close(tl.manifests.release)

	res, err := tl.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.IsType(t, NoUpdateAvailable{}, res)
}

func TestLoader_Stopped(t *testing.T) {
	tl := newTestLoader(t)
	require.NoError(t, tl.Stop(context.Background()))

	_, err := tl.FetchUpdate(context.Background())
	assert.True(t, status.IsType(err, status.PreconditionFailed))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateChecking))
	assert.True(t, canTransition(StateChecking, StateDownloading))
	assert.True(t, canTransition(StateDownloading, StateReady))
	assert.True(t, canTransition(StateReady, StateChecking))
	assert.True(t, canTransition(StateError, StateChecking))
	assert.False(t, canTransition(StateIdle, StateReady))
	assert.False(t, canTransition(StateNoUpdate, StateDownloading))
	assert.False(t, canTransition(StateDownloading, StateNoUpdate))
}

func TestLoader_ExclusiveWaitsForRun(t *testing.T) {
	tl := newTestLoader(t)
	tl.manifests.set(&manifest.Response{}, nil)
	tl.manifests.started = make(chan struct{}, 1)
	tl.manifests.release = make(chan struct{})

	checked := make(chan struct{})
	go func() {
		defer close(checked)
		_, _ = tl.CheckForUpdate(context.Background())
	}()
	<-tl.manifests.started

	var ran atomic.Bool
	exclusiveDone := make(chan error, 1)
	go func() {
		exclusiveDone <- tl.Exclusive(context.Background(), func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "exclusive work waits for the run in flight")

	close(tl.manifests.release)
	<-checked
	require.NoError(t, <-exclusiveDone)
	assert.True(t, ran.Load())
}
