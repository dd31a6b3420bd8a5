package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultEmbeddedManifestName is the file name of the embedded manifest inside the package
const DefaultEmbeddedManifestName = "app.manifest"

var safeExtension = regexp.MustCompile(`^\.[A-Za-z0-9]{1,16}$`)

// Asset describes one file of an update
type Asset struct {
	// Key deduplicates identical assets across updates
	Key           string `json:"key"`
	ContentType   string `json:"contentType,omitempty"`
	FileExtension string `json:"fileExtension,omitempty"`
	URL           string `json:"url,omitempty"`
	// Hash is the base64url encoded SHA-256 of the file content
	Hash string `json:"hash,omitempty"`
	// EmbeddedPath is the path of the file inside the installed package, embedded manifests only
	EmbeddedPath string `json:"embeddedPath,omitempty"`
}

// FileName is the name the asset is stored under in the updates directory
func (a Asset) FileName() string {
	ext := a.FileExtension
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if !safeExtension.MatchString(ext) {
		ext = ""
	}
	return a.Key + ext
}

// Manifest describes a candidate update
type Manifest struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"createdAt"`
	RuntimeVersion string            `json:"runtimeVersion"`
	LaunchAsset    Asset             `json:"launchAsset"`
	Assets         []Asset           `json:"assets,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Extra          map[string]any    `json:"extra,omitempty"`
}

// Channel returns the rollout channel the update was published to, empty when unscoped
func (m *Manifest) Channel() string {
	return m.Metadata["channel"]
}

// AllAssets returns the launch asset followed by every other asset
func (m *Manifest) AllAssets() []Asset {
	all := make([]Asset, 0, len(m.Assets)+1)
	all = append(all, m.LaunchAsset)
	return append(all, m.Assets...)
}

// Validate checks that the manifest can be turned into an update
func (m *Manifest) Validate() error {
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("manifest id %q is not a uuid: %w", m.ID, err)
	}
	if m.CreatedAt.IsZero() {
		return errors.New("manifest createdAt is missing")
	}
	if m.RuntimeVersion == "" {
		return errors.New("manifest runtimeVersion is missing")
	}

	seen := make(map[string]struct{}, len(m.Assets)+1)
	for i, a := range m.AllAssets() {
		if a.Key == "" {
			return fmt.Errorf("asset %d has no key", i)
		}
		if strings.ContainsAny(a.Key, `/\`) || a.Key == "." || a.Key == ".." {
			return fmt.Errorf("asset key %q is not a valid file name", a.Key)
		}
		if a.URL == "" && a.EmbeddedPath == "" {
			return fmt.Errorf("asset %s has neither url nor embedded path", a.Key)
		}
		if _, ok := seen[a.Key]; ok {
			return fmt.Errorf("asset key %s is listed twice", a.Key)
		}
		seen[a.Key] = struct{}{}
	}

	return nil
}

// DirectiveType is the kind of instruction the server sends instead of a manifest
type DirectiveType string

const (
	DirectiveNoUpdateAvailable  DirectiveType = "noUpdateAvailable"
	DirectiveRollBackToEmbedded DirectiveType = "rollBackToEmbedded"
)

// Directive is a server instruction
type Directive struct {
	Type       DirectiveType `json:"type"`
	Parameters struct {
		CommitTime time.Time `json:"commitTime"`
	} `json:"parameters"`
}

// Response is a decoded update check response. At most one of Manifest and Directive is set;
// both nil means the server has nothing to offer.
type Response struct {
	Manifest  *Manifest
	Directive *Directive
}

type responseJSON struct {
	Manifest  *Manifest  `json:"manifest"`
	Directive *Directive `json:"directive"`
}

// ParseResponse decodes an update check response body
func ParseResponse(body []byte) (*Response, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return &Response{}, nil
	}

	var raw responseJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if raw.Manifest != nil && raw.Directive != nil {
		return nil, errors.New("response carries both a manifest and a directive")
	}

	if raw.Manifest != nil {
		// remote updates are never served from the package
		raw.Manifest.LaunchAsset.EmbeddedPath = ""
		for i := range raw.Manifest.Assets {
			raw.Manifest.Assets[i].EmbeddedPath = ""
		}
		if err := raw.Manifest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid manifest: %w", err)
		}
		for _, a := range raw.Manifest.AllAssets() {
			if a.Hash == "" {
				return nil, fmt.Errorf("invalid manifest: asset %s has no hash", a.Key)
			}
		}
	}

	if raw.Directive != nil {
		switch raw.Directive.Type {
		case DirectiveNoUpdateAvailable:
		case DirectiveRollBackToEmbedded:
			if raw.Directive.Parameters.CommitTime.IsZero() {
				return nil, errors.New("rollback directive has no commit time")
			}
		default:
			return nil, fmt.Errorf("unknown directive type %q", raw.Directive.Type)
		}
	}

	return &Response{Manifest: raw.Manifest, Directive: raw.Directive}, nil
}

// LoadEmbedded reads the manifest of the update shipped inside the installed package.
// Manifests without an id get a stable one derived from their content.
func LoadEmbedded(fsys fs.FS, name string) (*Manifest, error) {
	if name == "" {
		name = DefaultEmbeddedManifestName
	}

	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read embedded manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode embedded manifest: %w", err)
	}

	if m.ID == "" {
		m.ID = uuid.NewSHA1(uuid.NameSpaceURL, data).String()
	}

	for i := range m.Assets {
		if m.Assets[i].EmbeddedPath == "" {
			m.Assets[i].EmbeddedPath = m.Assets[i].FileName()
		}
		m.Assets[i].EmbeddedPath = path.Clean(m.Assets[i].EmbeddedPath)
	}
	if m.LaunchAsset.EmbeddedPath == "" {
		m.LaunchAsset.EmbeddedPath = m.LaunchAsset.FileName()
	}
	m.LaunchAsset.EmbeddedPath = path.Clean(m.LaunchAsset.EmbeddedPath)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid embedded manifest: %w", err)
	}

	return &m, nil
}
