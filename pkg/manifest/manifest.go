// Package manifest reads package.json manifests and derives the peer
// dependency set that a mirrored package must never duplicate.
package manifest

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/linksync/pkg/errors"
)

const (
	// FileName is the name of the dependency manifest within a package.
	FileName = "package.json"

	// DependencyDir is the directory holding a package's installed
	// dependencies.
	DependencyDir = "node_modules"
)

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// Manifest is a snapshot of the fields in package.json that linksync cares
// about.
type Manifest struct {
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	Dependencies     map[string]string `json:"dependencies"`
	DevDependencies  map[string]string `json:"devDependencies"`
	PeerDependencies map[string]string `json:"peerDependencies"`
}

// SemVer parses the manifest's version field.
func (m Manifest) SemVer() (*goversion.Version, error) {
	if m.Version == "" {
		return nil, errors.MissingFieldError{Field: "version"}
	}
	return goversion.NewVersion(m.Version)
}

// String returns name@version, or just the name if the version is unset or
// unparseable.
func (m Manifest) String() string {
	v, err := m.SemVer()
	if err != nil {
		return m.Name
	}
	return m.Name + "@" + v.String()
}

// DependsOn returns whether `name` is a regular or development dependency.
func (m Manifest) DependsOn(name string) bool {
	if _, ok := m.Dependencies[name]; ok {
		return true
	}
	_, ok := m.DevDependencies[name]
	return ok
}

// Read parses the manifest in `dir`.
func Read(dir string) (Manifest, error) {
	manifestPath := filepath.Join(dir, FileName)
	manifestBytes, err := afero.ReadFile(fs, manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, errors.FileNotFound{Path: manifestPath}
		}
		return Manifest{}, errors.WithContext(err, "read")
	}

	m, err := Parse(manifestBytes)
	if err != nil {
		return Manifest{}, errors.WithContext(err, "parse "+manifestPath)
	}
	return m, nil
}

// Parse parses the contents of a manifest.
func Parse(manifestBytes []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// IsPackage returns whether `dir` directly contains a manifest.
func IsPackage(dir string) bool {
	exists, err := afero.Exists(fs, filepath.Join(dir, FileName))
	return err == nil && exists
}

// ReadPeerNames returns the names of the peer dependencies declared by the
// package at `sourcePath`, along with the exclusions that keep watchers out
// of their installed copies. A missing manifest results in an empty set.
// Names that aren't valid package names are skipped.
func ReadPeerNames(sourcePath string) (map[string]struct{}, Exclusions, error) {
	m, err := Read(sourcePath)
	if err != nil {
		var notFound errors.FileNotFound
		if errors.As(err, &notFound) {
			return map[string]struct{}{}, Exclusions{}, nil
		}
		return nil, Exclusions{}, err
	}

	peers := map[string]struct{}{}
	for name := range m.PeerDependencies {
		if !ValidName(name) {
			log.WithFields(log.Fields{
				"package": m.Name,
				"peer":    name,
			}).Warn("Ignoring peer dependency with an invalid name")
			continue
		}
		peers[name] = struct{}{}
	}

	exclusions, err := NewExclusions(peers)
	if err != nil {
		return nil, Exclusions{}, errors.WithContext(err, "compile exclusions")
	}
	return peers, exclusions, nil
}

// ValidName returns whether `name` has the shape of a package name, either
// `name` or `@scope/name`.
func ValidName(name string) bool {
	if strings.ContainsRune(name, '\\') {
		return false
	}

	parts := strings.Split(name, "/")
	switch {
	case len(parts) == 1 && !strings.HasPrefix(name, "@"):
	case len(parts) == 2 && strings.HasPrefix(parts[0], "@"):
		parts[0] = strings.TrimPrefix(parts[0], "@")
	default:
		return false
	}

	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// Exclusions matches paths, relative to a package root, that lie within the
// installed copy of a peer dependency.
type Exclusions struct {
	patterns []string
	globs    []glob.Glob
}

// NewExclusions compiles the exclusions for the given peer names.
func NewExclusions(peers map[string]struct{}) (Exclusions, error) {
	var names []string
	for name := range peers {
		names = append(names, name)
	}
	sort.Strings(names)

	var exclusions Exclusions
	for _, name := range names {
		base := path.Join(DependencyDir, name)
		for _, pattern := range []string{base, base + "/**"} {
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				return Exclusions{}, errors.WithContext(err, pattern)
			}
			exclusions.patterns = append(exclusions.patterns, pattern)
			exclusions.globs = append(exclusions.globs, g)
		}
	}
	return exclusions, nil
}

// Match returns whether `relPath` is excluded. `relPath` may use either the
// OS separator or forward slashes.
func (e Exclusions) Match(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, g := range e.globs {
		if g.Match(relPath) {
			return true
		}
	}
	return false
}

// Patterns returns the glob patterns in the exclusions.
func (e Exclusions) Patterns() []string {
	return append([]string{}, e.patterns...)
}
