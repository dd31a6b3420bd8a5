package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/version"
)

const (
	DefaultRetryDelay = 3 * time.Second
)

// HTTPStatusError is returned when the server answers with an unexpected status code
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d", e.StatusCode)
}

// DownloadToFile downloads url into dstFile, retrying once after retryDelay. A zero retryDelay disables the retry.
// It returns the number of bytes written.
func DownloadToFile(ctx context.Context, client *http.Client, retryDelay time.Duration, url, dstFile string) (int64, error) {
	log.Debugf("starting download from %s", url)

	out, err := os.Create(dstFile)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file %q: %w", dstFile, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			log.Warnf("error closing file %q: %v", dstFile, cerr)
		}
	}()

	n, err := downloadToFileOnce(ctx, client, url, out)
	if err == nil {
		log.Debugf("downloaded %d bytes to %s", n, dstFile)
		return n, nil
	}

	if retryDelay == 0 {
		return 0, err
	}

	log.Warnf("download failed, retrying after %v: %v", retryDelay, err)

	if sleepErr := sleepWithContext(ctx, retryDelay); sleepErr != nil {
		return 0, fmt.Errorf("download cancelled during retry delay: %w", sleepErr)
	}

	if err := out.Truncate(0); err != nil {
		return 0, fmt.Errorf("failed to truncate file on retry: %w", err)
	}
	if _, err := out.Seek(0, 0); err != nil {
		return 0, fmt.Errorf("failed to seek to beginning of file: %w", err)
	}

	n, err = downloadToFileOnce(ctx, client, url, out)
	if err != nil {
		return 0, fmt.Errorf("download failed after retry: %w", err)
	}

	log.Debugf("downloaded %d bytes to %s", n, dstFile)
	return n, nil
}

func downloadToFileOnce(ctx context.Context, client *http.Client, url string, out *os.File) (int64, error) {
	resp, err := get(ctx, client, url)
	if err != nil {
		return 0, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to write response body to file: %w", err)
	}

	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}

	return n, nil
}

func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := httpClient(client).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	return resp, nil
}

func closeBody(resp *http.Response) {
	if cerr := resp.Body.Close(); cerr != nil {
		log.Warnf("error closing response body: %v", cerr)
	}
}

func httpClient(client *http.Client) *http.Client {
	if client == nil {
		return http.DefaultClient
	}
	return client
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
