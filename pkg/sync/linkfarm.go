package sync

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/linksync/pkg/errors"
	"github.com/sidkik/linksync/pkg/manifest"
)

// rebuildLinkFarm recreates the mirror's dependency directory so that it
// links to the dependencies installed in the source package, except for
// `peers`. Peer dependencies are resolved from the consumer instead, so that
// only a single instance of each is ever loaded.
//
// Entries that are packages are linked directly. Other entries are treated
// as scopes: a real directory is made for them, and each package inside is
// linked.
func rebuildLinkFarm(log logrus.FieldLogger, sourcePath, mirrorPath string,
	peers map[string]struct{}) error {

	sourceDeps := filepath.Join(sourcePath, manifest.DependencyDir)
	mirrorDeps := filepath.Join(mirrorPath, manifest.DependencyDir)

	if err := removePath(mirrorDeps); err != nil {
		return errors.WithContext(err, "remove old link farm")
	}

	if _, err := fs.Stat(sourceDeps); err != nil {
		if os.IsNotExist(err) {
			log.Debug("Package has no installed dependencies")
			return nil
		}
		return errors.WithContext(err, "stat dependencies")
	}

	entries, err := afero.ReadDir(fs, sourceDeps)
	if err != nil {
		return errors.WithContext(err, "read dependencies")
	}

	if err := fs.MkdirAll(mirrorDeps, 0755); err != nil {
		return errors.WithContext(err, "make link farm")
	}

	var linked int
	for _, entry := range entries {
		src := filepath.Join(sourceDeps, entry.Name())
		dst := filepath.Join(mirrorDeps, entry.Name())

		if manifest.IsPackage(src) {
			if linkFarmEntry(log, src, dst) {
				linked++
			}
			continue
		}

		if !isDir(src) {
			continue
		}

		if err := fs.MkdirAll(dst, 0755); err != nil {
			log.WithError(err).WithField("target", dst).Warn("Failed to make scope directory")
			continue
		}

		scoped, err := afero.ReadDir(fs, src)
		if err != nil {
			log.WithError(err).WithField("source", src).Warn("Failed to read scope directory")
			continue
		}

		for _, sub := range scoped {
			subSrc := filepath.Join(src, sub.Name())
			if !isDir(subSrc) {
				continue
			}
			if linkFarmEntry(log, subSrc, filepath.Join(dst, sub.Name())) {
				linked++
			}
		}
	}

	// Remove the peers in a single pass after populating, since peer names
	// may be either scoped or unscoped.
	for peer := range peers {
		peerPath := filepath.Join(mirrorDeps, peer)
		if !within(mirrorDeps, peerPath) {
			log.WithField("peer", peer).Warn("Refusing to remove peer outside of the dependency directory")
			continue
		}
		if err := removePath(peerPath); err != nil {
			return errors.WithContext(err, "remove peer "+peer)
		}
	}

	log.WithField("linked", linked).Debug("Rebuilt dependency links")
	return nil
}

func linkFarmEntry(log logrus.FieldLogger, src, dst string) bool {
	if err := linkRelative(src, dst); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"op":     "link",
			"source": src,
			"target": dst,
		}).Warn("Failed to link dependency")
		return false
	}
	return true
}

// within returns whether `path` lies strictly beneath `dir`.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// isPeerPath returns whether `rel`, a path relative to a dependency
// directory, lies within one of `peers`.
func isPeerPath(rel string, peers map[string]struct{}) bool {
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 3)
	if _, ok := peers[parts[0]]; ok {
		return true
	}
	if len(parts) > 1 {
		if _, ok := peers[parts[0]+"/"+parts[1]]; ok {
			return true
		}
	}
	return false
}
