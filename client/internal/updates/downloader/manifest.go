package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/util"
	"github.com/netbirdio/ota/version"
)

// Request headers sent with every update check
const (
	HeaderRuntimeVersion   = "ota-runtime-version"
	HeaderChannelName      = "ota-channel-name"
	HeaderPlatform         = "ota-platform"
	HeaderCurrentUpdateID  = "ota-current-update-id"
	HeaderEmbeddedUpdateID = "ota-embedded-update-id"
	HeaderExtraParams      = "ota-extra-params"
)

const maxManifestSize = 4 * 1024 * 1024

// ManifestRequest carries everything the server needs to pick an update for this client
type ManifestRequest struct {
	URL              *url.URL
	RuntimeVersion   string
	Channel          string
	CurrentUpdateID  string
	EmbeddedUpdateID string
	ExtraParams      map[string]string
	// Headers are the configured request headers, sent as they are
	Headers map[string]string
}

// ManifestClient requests update manifests from the update server
type ManifestClient struct {
	httpClient *http.Client
	verifier   *manifest.Verifier
	newBackOff func(ctx context.Context) backoff.BackOff
}

// NewManifestClient returns a client verifying response signatures with verifier; a nil verifier accepts unsigned responses
func NewManifestClient(httpClient *http.Client, verifier *manifest.Verifier) *ManifestClient {
	return &ManifestClient{
		httpClient: httpClient,
		verifier:   verifier,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)
}

// Fetch asks the server for the update to run. Network failures, 5xx and 429 responses are retried until
// ctx expires or the backoff gives up; any other failure is returned right away.
func (c *ManifestClient) Fetch(ctx context.Context, req ManifestRequest) (*manifest.Response, error) {
	if req.URL == nil {
		return nil, status.Errorf(status.InvalidArgument, "update url is not configured")
	}

	var res *manifest.Response
	operation := func() error {
		var err error
		res, err = c.fetchOnce(ctx, req)
		return err
	}

	err := backoff.RetryNotify(operation, c.newBackOff(ctx), func(err error, d time.Duration) {
		log.Warnf("update check against %s failed, retrying in %v: %v", req.URL.Host, d, err)
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Errorf(status.Remote, "update check: %w", err)
	}

	return res, nil
}

func (c *ManifestClient) fetchOnce(ctx context.Context, req ManifestRequest) (*manifest.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	setRequestHeaders(httpReq.Header, req)

	resp, err := httpClient(c.httpClient).Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer closeBody(resp)

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return &manifest.Response{}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(&HTTPStatusError{StatusCode: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxManifestSize {
		return nil, backoff.Permanent(fmt.Errorf("response body exceeds %d bytes", maxManifestSize))
	}

	if c.verifier != nil {
		if err := c.verifier.Verify(body, resp.Header.Get(manifest.SignatureHeader)); err != nil {
			return nil, backoff.Permanent(status.Errorf(status.Remote, "verify response signature: %w", err))
		}
	}

	parsed, err := manifest.ParseResponse(body)
	if err != nil {
		return nil, backoff.Permanent(status.Errorf(status.Remote, "parse update response: %w", err))
	}

	return parsed, nil
}

func setRequestHeaders(h http.Header, req ManifestRequest) {
	for _, k := range util.SortedKeys(req.Headers) {
		h.Set(k, req.Headers[k])
	}

	h.Set("User-Agent", version.UserAgent())
	h.Set("Accept", "application/json")
	h.Set(HeaderPlatform, runtime.GOOS)
	h.Set(HeaderRuntimeVersion, req.RuntimeVersion)
	if req.Channel != "" {
		h.Set(HeaderChannelName, req.Channel)
	}
	if req.CurrentUpdateID != "" {
		h.Set(HeaderCurrentUpdateID, req.CurrentUpdateID)
	}
	if req.EmbeddedUpdateID != "" {
		h.Set(HeaderEmbeddedUpdateID, req.EmbeddedUpdateID)
	}
	if len(req.ExtraParams) > 0 {
		h.Set(HeaderExtraParams, FormatExtraParams(req.ExtraParams))
	}
}

// FormatExtraParams serializes params as a dictionary header value: key="value", sorted by key
func FormatExtraParams(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for _, k := range util.SortedKeys(params) {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, escapeHeaderString(params[k])))
	}
	return strings.Join(parts, ", ")
}

func escapeHeaderString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
