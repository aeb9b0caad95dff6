// Package identity discovers the credential files that miners and claims are
// bound to.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrDirectoryNotFound = errors.New("identity directory not found")
	ErrEmptySet          = errors.New("no identities found")
)

// DefaultExtension is the file extension of keypair files.
const DefaultExtension = ".json"

// Identity is a credential reference. It is immutable once loaded.
type Identity struct {
	Path string `json:"path" yaml:"path"`
	Name string `json:"name" yaml:"name"`
}

// New builds an identity from a credential file path.
func New(path string) Identity {
	base := filepath.Base(path)
	return Identity{
		Path: path,
		Name: strings.TrimSuffix(base, filepath.Ext(base)),
	}
}

func (id Identity) String() string {
	return id.Name
}

// Registry loads identities from a directory.
type Registry struct {
	logger    *zap.Logger
	extension string
}

// NewRegistry creates a registry matching files with the given extension.
func NewRegistry(logger *zap.Logger, extension string) *Registry {
	if extension == "" {
		extension = DefaultExtension
	}
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	return &Registry{
		logger:    logger.Named("identity"),
		extension: extension,
	}
}

// Load scans dir (non-recursive) and returns the matching identities in
// discovery order. When the directory exists but holds no match, the empty
// set is returned together with ErrEmptySet so the caller can decide.
func (r *Registry) Load(dir string) ([]Identity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
		}
		return nil, fmt.Errorf("failed to read identity directory: %w", err)
	}

	identities := make([]Identity, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(entry.Name()), r.extension) {
			r.logger.Debug("Skipping non-identity file", zap.String("file", entry.Name()))
			continue
		}
		identities = append(identities, New(filepath.Join(dir, entry.Name())))
	}

	if len(identities) == 0 {
		return identities, fmt.Errorf("%w in %s (extension %s)", ErrEmptySet, dir, r.extension)
	}

	r.logger.Info("Loaded identities",
		zap.String("dir", dir),
		zap.Int("count", len(identities)),
	)
	return identities, nil
}

// LoadPath returns a single identity for an explicit credential file.
func (r *Registry) LoadPath(path string) ([]Identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat identity: %w", err)
	}
	if info.IsDir() {
		return r.Load(path)
	}
	return []Identity{New(path)}, nil
}
