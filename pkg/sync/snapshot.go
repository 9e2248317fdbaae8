package sync

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/sidkik/linksync/pkg/errors"
	"github.com/sidkik/linksync/pkg/manifest"
)

// Snapshot maps paths, relative to the root of a tree, to their attributes.
type Snapshot map[string]FileAttributes

// SnapshotTree returns the attributes of every entry beneath `root`.
// Symlinks are recorded rather than followed. Entries for which `skip`
// returns true are left out, along with their children.
func SnapshotTree(root string, skip func(rel string) bool) (Snapshot, error) {
	snapshot := Snapshot{}
	err := afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.WithContext(err, "normalized path")
		}

		if skip != nil && skip(rel) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		attrs, err := getAttributes(path, fi)
		if err != nil {
			return errors.WithContext(err, rel)
		}
		snapshot[rel] = attrs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Diff returns the paths that need to be mirrored or removed for `mirror` to
// match `source`. Both lists are sorted.
func (source Snapshot) Diff(mirror Snapshot) (toMirror []string, toRemove []string) {
	for path, exp := range source {
		curr, ok := mirror[path]
		if !ok || !curr.Equal(exp) {
			toMirror = append(toMirror, path)
		}
	}

	for path := range mirror {
		if _, ok := source[path]; !ok {
			toRemove = append(toRemove, path)
		}
	}

	sort.Strings(toMirror)
	sort.Strings(toRemove)
	return
}

// Drift returns the paths at which the mirror at `mirrorPath` differs from the
// package at `sourcePath`. The dependency directory is ignored since it's
// managed by the link farm rather than mirrored.
func Drift(sourcePath, mirrorPath string, mode Mode) ([]string, error) {
	source, err := expectedMirror(sourcePath, mirrorPath, mode)
	if err != nil {
		return nil, errors.WithContext(err, "snapshot source")
	}

	skipDeps := func(rel string) bool { return rel == manifest.DependencyDir }
	mirror, err := SnapshotTree(mirrorPath, skipDeps)
	if err != nil {
		return nil, errors.WithContext(err, "snapshot mirror")
	}

	toMirror, toRemove := source.Diff(mirror)
	drifted := append(toMirror, toRemove...)
	sort.Strings(drifted)
	return drifted, nil
}

// expectedMirror returns the snapshot that a fully synced mirror would have.
func expectedMirror(sourcePath, mirrorPath string, mode Mode) (Snapshot, error) {
	if mode == CopyMode {
		return SnapshotTree(sourcePath, func(rel string) bool {
			return hasSegment(rel, manifest.DependencyDir)
		})
	}

	entries, err := afero.ReadDir(fs, sourcePath)
	if err != nil {
		return nil, errors.WithContext(err, "read source")
	}

	expected := Snapshot{}
	for _, entry := range entries {
		if entry.Name() == manifest.DependencyDir {
			continue
		}

		target, err := filepath.Rel(mirrorPath, filepath.Join(sourcePath, entry.Name()))
		if err != nil {
			return nil, errors.WithContext(err, "relative path")
		}
		expected[entry.Name()] = FileAttributes{Mode: os.ModeSymlink, LinkTarget: target}
	}
	return expected, nil
}
