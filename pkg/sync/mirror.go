package sync

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/linksync/pkg/errors"
	"github.com/sidkik/linksync/pkg/manifest"
)

// Mode is the strategy used to build the mirror.
type Mode string

const (
	// LinkMode mirrors each top-level entry of the source with a symlink.
	LinkMode Mode = "link"

	// CopyMode mirrors the source with a full recursive copy.
	CopyMode Mode = "copy"
)

// ParseMode parses a mode name. The empty string is LinkMode.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case "", LinkMode:
		return LinkMode, nil
	case CopyMode:
		return CopyMode, nil
	}
	return "", errors.NewFriendlyError("Unknown sync mode %q. "+
		"The mode must be either %q or %q.", name, LinkMode, CopyMode)
}

// buildMirror replaces whatever is at `mirrorPath` with a mirror of
// `sourcePath`. The source's dependency directory is never mirrored.
// Failures to mirror individual entries are logged rather than returned,
// since the next change to the entry will repair it.
func buildMirror(log logrus.FieldLogger, sourcePath, mirrorPath string, mode Mode) error {
	// A normal install may have left a symlink or an older copy here.
	if err := removePath(mirrorPath); err != nil {
		return errors.WithContext(err, "remove previous install")
	}

	if err := fs.MkdirAll(mirrorPath, 0755); err != nil {
		return errors.WithContext(err, "make mirror directory")
	}

	if mode == CopyMode {
		return copyTree(log, sourcePath, mirrorPath)
	}
	return linkTopLevel(log, sourcePath, mirrorPath)
}

func copyTree(log logrus.FieldLogger, sourcePath, mirrorPath string) error {
	var copied, failed int
	err := afero.Walk(fs, sourcePath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			log.WithError(err).WithField("source", path).Warn("Failed to read source entry")
			return nil
		}

		rel, err := filepath.Rel(sourcePath, path)
		if err != nil || rel == "." {
			return nil
		}

		if hasSegment(rel, manifest.DependencyDir) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		dst := filepath.Join(mirrorPath, rel)
		if err := copyEntry(path, dst, fi); err != nil {
			failed++
			log.WithError(err).WithFields(logrus.Fields{
				"op":     "copy",
				"source": path,
				"target": dst,
			}).Warn("Failed to copy entry. It will be retried when it next changes.")
			return nil
		}
		copied++
		return nil
	})
	if err != nil {
		return errors.WithContext(err, "walk source")
	}

	log.WithFields(logrus.Fields{
		"copied": copied,
		"failed": failed,
	}).Debug("Copied package")
	return nil
}

func linkTopLevel(log logrus.FieldLogger, sourcePath, mirrorPath string) error {
	entries, err := afero.ReadDir(fs, sourcePath)
	if err != nil {
		return errors.WithContext(err, "read source")
	}

	for _, entry := range entries {
		if entry.Name() == manifest.DependencyDir {
			continue
		}

		src := filepath.Join(sourcePath, entry.Name())
		dst := filepath.Join(mirrorPath, entry.Name())
		if err := linkRelative(src, dst); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"op":     "link",
				"source": src,
				"target": dst,
			}).Warn("Failed to link entry")
		}
	}
	return nil
}
