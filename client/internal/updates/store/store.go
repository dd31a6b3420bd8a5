package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/netbirdio/ota/client/internal/updates/manifest"
)

// UpdateStatus tells whether an update may be launched
type UpdateStatus int

const (
	// StatusPending updates have been announced but not every asset is verified
	StatusPending UpdateStatus = iota
	// StatusReady updates have every asset fetched and verified
	StatusReady
	// StatusFailed updates crashed on launch and are never selected again
	StatusFailed
	// StatusEmbedded marks the synthesized update shipped inside the package
	StatusEmbedded
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusEmbedded:
		return "embedded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Update is a persisted update record
type Update struct {
	ID                    string       `gorm:"primaryKey"`
	ScopeKey              string       `gorm:"index:idx_updates_scope_commit"`
	CommitTime            time.Time    `gorm:"index:idx_updates_scope_commit"`
	RuntimeVersion        string
	Channel               string
	Status                UpdateStatus `gorm:"index"`
	LaunchAssetKey        string
	ManifestJSON          string
	LastAccessed          time.Time
	SuccessfulLaunchCount int
	FailedLaunchCount     int
}

// IsEmbedded reports whether u is the update shipped inside the package
func (u *Update) IsEmbedded() bool {
	return u != nil && u.Status == StatusEmbedded
}

// Manifest decodes the manifest the update was created from
func (u *Update) Manifest() (*manifest.Manifest, error) {
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(u.ManifestJSON), &m); err != nil {
		return nil, fmt.Errorf("decode manifest of update %s: %w", u.ID, err)
	}
	return &m, nil
}

// Asset is a persisted file, shared by every update that lists the same key
type Asset struct {
	Key           string `gorm:"column:asset_key;primaryKey"`
	ContentType   string
	FileExtension string
	URL           string
	ExpectedHash  string
	RelativePath  string
	Size          int64
	DownloadTime  time.Time
}

// UpdateAsset links updates to the assets they own
type UpdateAsset struct {
	UpdateID      string `gorm:"primaryKey"`
	AssetKey      string `gorm:"primaryKey;index"`
	IsLaunchAsset bool
}

// Store is the persisted metadata of updates and their assets
type Store interface {
	// CompatibleUpdates returns the launchable updates of the scope, newest commit first.
	// Runtime version and channel compatibility is decided by the selection policy.
	CompatibleUpdates(ctx context.Context, scopeKey string) ([]*Update, error)
	GetUpdate(ctx context.Context, id string) (*Update, error)
	AllUpdates(ctx context.Context) ([]*Update, error)
	AssetsForUpdate(ctx context.Context, id string) ([]*Asset, error)
	// InsertUpdate persists the update, its assets and the links between them in a single transaction
	InsertUpdate(ctx context.Context, update *Update, assets []*Asset, launchAssetKey string) error
	UpsertAsset(ctx context.Context, asset *Asset) error
	MarkLaunched(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	DeleteUpdates(ctx context.Context, ids []string) error
	// DeleteUnusedAssets removes asset rows no update refers to and returns them
	DeleteUnusedAssets(ctx context.Context) ([]*Asset, error)
	Close() error
}

// UpdateFromManifest builds a ready update record from a verified manifest
func UpdateFromManifest(m *manifest.Manifest, scopeKey string) (*Update, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest %s: %w", m.ID, err)
	}

	return &Update{
		ID:             m.ID,
		ScopeKey:       scopeKey,
		CommitTime:     m.CreatedAt.UTC(),
		RuntimeVersion: m.RuntimeVersion,
		Channel:        m.Channel(),
		Status:         StatusReady,
		LaunchAssetKey: m.LaunchAsset.Key,
		ManifestJSON:   string(raw),
	}, nil
}

// EmbeddedUpdate synthesizes the record of the update shipped inside the package
func EmbeddedUpdate(m *manifest.Manifest, scopeKey string) *Update {
	u, err := UpdateFromManifest(m, scopeKey)
	if err != nil {
		// a manifest decoded from JSON always encodes back
		panic(err)
	}
	u.Status = StatusEmbedded
	return u
}

// AssetFromManifest builds an asset record from its manifest entry
func AssetFromManifest(a manifest.Asset) *Asset {
	return &Asset{
		Key:           a.Key,
		ContentType:   a.ContentType,
		FileExtension: a.FileExtension,
		URL:           a.URL,
		ExpectedHash:  a.Hash,
		RelativePath:  filepath.Join(AssetsDir, a.FileName()),
	}
}
