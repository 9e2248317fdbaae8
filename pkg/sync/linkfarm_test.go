package sync

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTree creates the given files beneath `root`. Parent directories are
// created as needed.
func writeTree(t *testing.T, root string, files map[string]string) {
	for path, contents := range files {
		path = filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}
}

// listTree returns every path beneath `root`, with symlinks rendered as
// `path -> target`. Symlinks aren't followed.
func listTree(t *testing.T, root string) []string {
	var paths []string
	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		require.NoError(t, err)
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)

		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			require.NoError(t, err)
			rel += " -> " + target
		}
		paths = append(paths, rel)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(paths)
	return paths
}

// makeWorkspace creates a library `core` that declares rxjs as a peer, and a
// consumer `app`.
func makeWorkspace(t *testing.T) (source, consumer string) {
	root := t.TempDir()
	source = filepath.Join(root, "core")
	consumer = filepath.Join(root, "app")

	writeTree(t, source, map[string]string{
		"package.json": `{"name": "core", "version": "1.2.0",
			"dependencies": {"@scope/util": "^2.0.0"},
			"peerDependencies": {"rxjs": "*"}}`,
		"index.js":                               "module.exports = 1",
		"lib/helper.js":                          "module.exports = 2",
		"node_modules/rxjs/package.json":         `{"name": "rxjs"}`,
		"node_modules/@scope/util/package.json":  `{"name": "@scope/util"}`,
		"node_modules/@scope/util/index.js":      "",
		"node_modules/left-pad/package.json":     `{"name": "left-pad"}`,
		"node_modules/.bin/tsc":                  "",
		"node_modules/@scope/readme-not-a-pkg":   "",
		"node_modules/@scope/other/package.json": `{"name": "@scope/other"}`,
	})
	writeTree(t, consumer, map[string]string{
		"package.json": `{"name": "app", "dependencies": {"core": "*", "rxjs": "*"}}`,
	})
	return source, consumer
}

func TestRebuildLinkFarm(t *testing.T) {
	source, consumer := makeWorkspace(t)
	mirror := filepath.Join(consumer, "node_modules", "core")
	require.NoError(t, os.MkdirAll(mirror, 0755))

	log, _ := logrusTest.NewNullLogger()
	peers := map[string]struct{}{"rxjs": {}}
	require.NoError(t, rebuildLinkFarm(log, source, mirror, peers))

	exp := []string{
		"node_modules",
		"node_modules/.bin",
		"node_modules/@scope",
		"node_modules/@scope/other -> ../../../../../core/node_modules/@scope/other",
		"node_modules/@scope/util -> ../../../../../core/node_modules/@scope/util",
		"node_modules/left-pad -> ../../../../core/node_modules/left-pad",
	}
	first := listTree(t, mirror)
	assert.Equal(t, exp, first)

	// Rebuilding without any changes should produce the same tree.
	require.NoError(t, rebuildLinkFarm(log, source, mirror, peers))
	assert.Equal(t, first, listTree(t, mirror))

	// The links should resolve to the source's dependencies.
	resolved, err := filepath.EvalSymlinks(filepath.Join(mirror, "node_modules", "@scope", "util"))
	require.NoError(t, err)
	expResolved, err := filepath.EvalSymlinks(filepath.Join(source, "node_modules", "@scope", "util"))
	require.NoError(t, err)
	assert.Equal(t, expResolved, resolved)
}

func TestRebuildLinkFarmScopedPeer(t *testing.T) {
	source, consumer := makeWorkspace(t)
	mirror := filepath.Join(consumer, "node_modules", "core")
	require.NoError(t, os.MkdirAll(mirror, 0755))

	log, _ := logrusTest.NewNullLogger()
	peers := map[string]struct{}{"@scope/util": {}, "rxjs": {}}
	require.NoError(t, rebuildLinkFarm(log, source, mirror, peers))

	mirrorDeps := filepath.Join(mirror, "node_modules")
	for peer := range peers {
		_, err := os.Lstat(filepath.Join(mirrorDeps, peer))
		assert.True(t, os.IsNotExist(err), "peer %s should not be linked", peer)
	}
	_, err := os.Lstat(filepath.Join(mirrorDeps, "@scope", "other"))
	assert.NoError(t, err)
}

func TestRebuildLinkFarmStaysInDependencyDir(t *testing.T) {
	source, consumer := makeWorkspace(t)
	mirror := filepath.Join(consumer, "node_modules", "core")
	writeTree(t, mirror, map[string]string{"index.js": "module.exports = 1"})
	writeTree(t, consumer, map[string]string{"node_modules/rxjs/package.json": "{}"})

	log, _ := logrusTest.NewNullLogger()
	peers := map[string]struct{}{"..": {}, "../..": {}, "": {}}
	require.NoError(t, rebuildLinkFarm(log, source, mirror, peers))

	assert.Equal(t, "module.exports = 1", readFile(filepath.Join(mirror, "index.js")))
	assert.Equal(t, "{}", readFile(filepath.Join(consumer, "node_modules", "rxjs", "package.json")))
	assert.Contains(t, listTree(t, mirror),
		"node_modules/left-pad -> ../../../../core/node_modules/left-pad")
}

func TestWithin(t *testing.T) {
	dir := filepath.Join("/", "app", "node_modules", "core", "node_modules")
	assert.True(t, within(dir, filepath.Join(dir, "rxjs")))
	assert.True(t, within(dir, filepath.Join(dir, "@scope", "util")))
	assert.True(t, within(dir, filepath.Join(dir, "..config")))
	assert.False(t, within(dir, dir))
	assert.False(t, within(dir, filepath.Join(dir, "")))
	assert.False(t, within(dir, filepath.Join(dir, "..")))
	assert.False(t, within(dir, filepath.Join(dir, "..", "..")))
}

func TestRebuildLinkFarmRemovesStalePeers(t *testing.T) {
	source, consumer := makeWorkspace(t)
	mirror := filepath.Join(consumer, "node_modules", "core")
	require.NoError(t, os.MkdirAll(mirror, 0755))

	log, _ := logrusTest.NewNullLogger()
	require.NoError(t, rebuildLinkFarm(log, source, mirror, nil))
	_, err := os.Lstat(filepath.Join(mirror, "node_modules", "rxjs"))
	require.NoError(t, err)

	// rxjs became a peer, so it should be dropped from the link farm.
	require.NoError(t, rebuildLinkFarm(log, source, mirror, map[string]struct{}{"rxjs": {}}))
	_, err = os.Lstat(filepath.Join(mirror, "node_modules", "rxjs"))
	assert.True(t, os.IsNotExist(err))
}

func TestRebuildLinkFarmNoDependencies(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "core")
	mirror := filepath.Join(root, "app", "node_modules", "core")
	writeTree(t, source, map[string]string{"package.json": `{"name": "core"}`})
	writeTree(t, mirror, map[string]string{"node_modules/stale/package.json": "{}"})

	log, _ := logrusTest.NewNullLogger()
	assert.NoError(t, rebuildLinkFarm(log, source, mirror, nil))
	assert.Empty(t, listTree(t, mirror))
}

func TestIsPeerPath(t *testing.T) {
	peers := map[string]struct{}{
		"rxjs":        {},
		"@scope/util": {},
	}

	tests := []struct {
		rel string
		exp bool
	}{
		{"rxjs", true},
		{"rxjs/package.json", true},
		{"rxjs/operators/index.js", true},
		{"rxjs-compat", false},
		{"@scope", false},
		{"@scope/util", true},
		{"@scope/util/lib/index.js", true},
		{"@scope/other/index.js", false},
		{"left-pad", false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.rel, func(t *testing.T) {
			assert.Equal(t, test.exp, isPeerPath(filepath.FromSlash(test.rel), peers))
		})
	}
}
