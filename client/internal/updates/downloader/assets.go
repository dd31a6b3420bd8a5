package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/client/internal/updates/store"
	"github.com/netbirdio/ota/client/internal/updates/telemetry"
	"github.com/netbirdio/ota/util"
)

const maxParallelDownloads = 4

// AssetDownloader places verified asset files into the updates directory
type AssetDownloader struct {
	httpClient *http.Client
	updatesDir string
	embedded   fs.FS
	// embeddedPaths maps asset keys shipped in the package to their path in embedded
	embeddedPaths map[string]string
	metrics       *telemetry.LoaderMetrics

	RetryDelay time.Duration
}

// NewAssetDownloader returns a downloader writing to updatesDir. Assets listed in the embedded manifest
// are copied from the package instead of downloaded; embedded and embeddedManifest may be nil.
func NewAssetDownloader(httpClient *http.Client, updatesDir string, embedded fs.FS, embeddedManifest *manifest.Manifest, metrics *telemetry.LoaderMetrics) *AssetDownloader {
	paths := make(map[string]string)
	if embedded != nil && embeddedManifest != nil {
		for _, a := range embeddedManifest.AllAssets() {
			if a.EmbeddedPath != "" {
				paths[a.Key] = a.EmbeddedPath
			}
		}
	}

	return &AssetDownloader{
		httpClient:    httpClient,
		updatesDir:    updatesDir,
		embedded:      embedded,
		embeddedPaths: paths,
		metrics:       metrics,
		RetryDelay:    DefaultRetryDelay,
	}
}

// Download makes sure the file of a exists in the updates directory with the expected hash.
// A file already in place is reused only when its hash is known and matches. Nothing is left behind
// when verification fails.
func (d *AssetDownloader) Download(ctx context.Context, a manifest.Asset) (*store.Asset, error) {
	record := store.AssetFromManifest(a)
	dst := filepath.Join(d.updatesDir, record.RelativePath)

	if reused, err := d.reuse(dst, record); err != nil {
		log.Debugf("asset %s is not reusable: %v", a.Key, err)
	} else if reused {
		d.metrics.CountReusedAsset(ctx)
		return record, nil
	}

	start := time.Now()
	size, sum, err := d.fetchVerified(ctx, a, dst)
	d.metrics.CountDownload(ctx, time.Since(start), size, err)
	if err != nil {
		return nil, err
	}

	record.ExpectedHash = sum
	record.Size = size
	record.DownloadTime = time.Now().UTC()
	return record, nil
}

func (d *AssetDownloader) reuse(dst string, record *store.Asset) (bool, error) {
	if record.ExpectedHash == "" {
		return false, nil
	}

	info, err := os.Stat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sum, err := manifest.FileHash(dst)
	if err != nil {
		return false, err
	}
	if !manifest.HashesEqual(sum, record.ExpectedHash) {
		return false, fmt.Errorf("hash mismatch of existing file %s", dst)
	}

	record.ExpectedHash = sum
	record.Size = info.Size()
	record.DownloadTime = info.ModTime().UTC()
	return true, nil
}

func (d *AssetDownloader) fetchVerified(ctx context.Context, a manifest.Asset, dst string) (int64, string, error) {
	embeddedPath, embedded := d.embeddedPaths[a.Key]
	// package files are trusted, anything fetched over the network must be verifiable
	if !embedded && a.Hash == "" {
		return 0, "", status.Errorf(status.Remote, "asset %s has no hash", a.Key)
	}

	tmp, err := os.CreateTemp(d.updatesDir, ".download-*")
	if err != nil {
		return 0, "", status.Errorf(status.Storage, "create temp file for asset %s: %w", a.Key, err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	defer func() {
		if err := util.RemoveFile(tmpName); err != nil {
			log.Warnf("failed to remove temp file %s: %v", tmpName, err)
		}
	}()

	var size int64
	if embedded {
		size, err = d.copyEmbedded(embeddedPath, tmpName)
	} else {
		size, err = DownloadToFile(ctx, d.httpClient, d.RetryDelay, a.URL, tmpName)
		if err != nil {
			err = status.Errorf(status.Remote, "download asset %s: %w", a.Key, err)
		}
	}
	if err != nil {
		return 0, "", err
	}

	sum, err := manifest.FileHash(tmpName)
	if err != nil {
		return 0, "", status.Errorf(status.Storage, "asset %s: %w", a.Key, err)
	}
	if a.Hash != "" && !manifest.HashesEqual(sum, a.Hash) {
		return 0, "", status.Errorf(status.Remote, "asset %s: hash mismatch, expected %s got %s", a.Key, a.Hash, sum)
	}

	if err := util.MoveFileAtomic(tmpName, dst); err != nil {
		return 0, "", status.Errorf(status.Storage, "asset %s: %w", a.Key, err)
	}
	return size, sum, nil
}

func (d *AssetDownloader) copyEmbedded(embeddedPath, dst string) (int64, error) {
	src, err := d.embedded.Open(embeddedPath)
	if err != nil {
		return 0, status.Errorf(status.Storage, "open embedded asset %s: %w", embeddedPath, err)
	}
	defer src.Close()

	if err := util.CopyFileContents(src, dst); err != nil {
		return 0, status.Errorf(status.Storage, "copy embedded asset %s: %w", embeddedPath, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, status.Errorf(status.Storage, "copy embedded asset %s: %w", embeddedPath, err)
	}
	log.Debugf("copied asset %s from the package", embeddedPath)
	return info.Size(), nil
}

// DownloadAll downloads assets in parallel and returns their records in input order. onAsset, if set, is
// called for every verified asset as soon as it is in place. The first failure cancels the remaining downloads.
func (d *AssetDownloader) DownloadAll(ctx context.Context, assets []manifest.Asset, onAsset func(context.Context, *store.Asset) error) ([]*store.Asset, error) {
	records := make([]*store.Asset, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for i, a := range assets {
		g.Go(func() error {
			record, err := d.Download(gctx, a)
			if err != nil {
				return err
			}
			if onAsset != nil {
				if err := onAsset(gctx, record); err != nil {
					return err
				}
			}
			records[i] = record
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}
