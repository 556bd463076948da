package swcache

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Manifest lists the critical assets pre-populated at install time for a version.
type Manifest struct {
	Version string   `toml:"version"`
	Assets  []string `toml:"assets"`
}

// DefaultManifest returns the stock asset list tagged with version.
func DefaultManifest(version string) Manifest {
	return Manifest{
		Version: version,
		Assets: []string{
			"/",
			"/static/js/bundle.js",
			"/static/css/main.css",
			"/manifest.json",
			"/favicon.ico",
		},
	}
}

// LoadManifest reads a TOML manifest:
//
//	version = "v1.0.1"
//	assets = ["/", "/static/js/bundle.js"]
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %q: %w", path, err)
	}
	return ParseManifest(raw)
}

func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m.Version = strings.TrimSpace(m.Version)
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidManifest)
	}
	seen := make(map[string]struct{}, len(m.Assets))
	for _, asset := range m.Assets {
		trimmed := strings.TrimSpace(asset)
		if trimmed == "" {
			return fmt.Errorf("%w: empty asset path", ErrInvalidManifest)
		}
		if _, dup := seen[trimmed]; dup {
			return fmt.Errorf("%w: duplicate asset %q", ErrInvalidManifest, trimmed)
		}
		seen[trimmed] = struct{}{}
	}
	return nil
}
