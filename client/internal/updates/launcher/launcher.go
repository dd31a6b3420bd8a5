// Package launcher resolves the files of the update chosen for this process
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/client/internal/updates/store"
)

// DefaultBundleAssetName is served when the package carries no embedded manifest
const DefaultBundleAssetName = "app.bundle"

// Launcher exposes the resolved files of the launched update
type Launcher interface {
	// LaunchedUpdate is nil only when nothing, not even an embedded update, is known
	LaunchedUpdate() *store.Update
	// LaunchAssetFile is the absolute path of the bundle to run, empty when the embedded bundle is used
	LaunchAssetFile() string
	// BundleAssetName is the name of the embedded bundle, empty when LaunchAssetFile is set
	BundleAssetName() string
	// LocalAssetFiles maps asset keys to absolute paths, launch asset excluded
	LocalAssetFiles() map[string]string
	IsUsingEmbeddedAssets() bool
}

// DatabaseLauncher serves an update downloaded into the updates directory
type DatabaseLauncher struct {
	update          *store.Update
	launchAssetFile string
	localAssetFiles map[string]string
}

// NewDatabaseLauncher resolves every asset of update to a file under updatesDir. The launch asset must
// match its expected hash and every other asset must exist; otherwise nothing is launched.
func NewDatabaseLauncher(ctx context.Context, st store.Store, updatesDir string, update *store.Update) (*DatabaseLauncher, error) {
	if update == nil || update.IsEmbedded() {
		return nil, status.Errorf(status.InvalidArgument, "database launcher needs a downloaded update")
	}

	assets, err := st.AssetsForUpdate(ctx, update.ID)
	if err != nil {
		return nil, fmt.Errorf("load assets of update %s: %w", update.ID, err)
	}

	l := &DatabaseLauncher{
		update:          update,
		localAssetFiles: make(map[string]string, len(assets)),
	}

	var merr *multierror.Error
	for _, a := range assets {
		path := filepath.Join(updatesDir, a.RelativePath)
		if a.Key == update.LaunchAssetKey {
			if err := verifyLaunchAsset(path, a.ExpectedHash); err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			l.launchAssetFile = path
			continue
		}

		if _, err := os.Stat(path); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("asset %s: %w", a.Key, err))
			continue
		}
		l.localAssetFiles[a.Key] = path
	}

	if l.launchAssetFile == "" && merr == nil {
		merr = multierror.Append(merr, fmt.Errorf("launch asset %s is not linked to the update", update.LaunchAssetKey))
	}

	if err := status.FormatErrorOrNil(merr); err != nil {
		return nil, status.Errorf(status.Storage, "resolve update %s: %w", update.ID, err)
	}

	log.Debugf("resolved update %s with %d assets", update.ID, len(assets))
	return l, nil
}

func verifyLaunchAsset(path, expectedHash string) error {
	sum, err := manifest.FileHash(path)
	if err != nil {
		return fmt.Errorf("launch asset: %w", err)
	}
	if expectedHash != "" && !manifest.HashesEqual(sum, expectedHash) {
		return fmt.Errorf("launch asset %s: hash mismatch, expected %s got %s", path, expectedHash, sum)
	}
	return nil
}

func (l *DatabaseLauncher) LaunchedUpdate() *store.Update {
	return l.update
}

func (l *DatabaseLauncher) LaunchAssetFile() string {
	return l.launchAssetFile
}

func (l *DatabaseLauncher) BundleAssetName() string {
	return ""
}

func (l *DatabaseLauncher) LocalAssetFiles() map[string]string {
	files := make(map[string]string, len(l.localAssetFiles))
	for k, v := range l.localAssetFiles {
		files[k] = v
	}
	return files
}

func (l *DatabaseLauncher) IsUsingEmbeddedAssets() bool {
	return false
}

// EmbeddedLauncher serves the update shipped inside the installed package
type EmbeddedLauncher struct {
	update     *store.Update
	bundleName string
}

// NewEmbeddedLauncher returns a launcher for the embedded update. update and m may be nil when the
// package carries no manifest, the default bundle name is served then. It never fails.
func NewEmbeddedLauncher(fsys fs.FS, m *manifest.Manifest, update *store.Update) *EmbeddedLauncher {
	name := DefaultBundleAssetName
	if m != nil && m.LaunchAsset.EmbeddedPath != "" {
		name = m.LaunchAsset.EmbeddedPath
	}

	if fsys != nil {
		if _, err := fs.Stat(fsys, name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("embedded bundle %s is not readable: %v", name, err)
		} else if err != nil {
			log.Warnf("embedded bundle %s is missing from the package", name)
		}
	}

	return &EmbeddedLauncher{update: update, bundleName: name}
}

func (l *EmbeddedLauncher) LaunchedUpdate() *store.Update {
	return l.update
}

func (l *EmbeddedLauncher) LaunchAssetFile() string {
	return ""
}

func (l *EmbeddedLauncher) BundleAssetName() string {
	return l.bundleName
}

// LocalAssetFiles is always nil, embedded assets are read from the package by the host
func (l *EmbeddedLauncher) LocalAssetFiles() map[string]string {
	return nil
}

func (l *EmbeddedLauncher) IsUsingEmbeddedAssets() bool {
	return true
}
