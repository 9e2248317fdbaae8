package status

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buger/goterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/linksync/pkg/config"
	"github.com/sidkik/linksync/pkg/sync"
)

func TestLinkStatus(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "core")
	consumer := filepath.Join(root, "app")
	mirror := filepath.Join(consumer, "node_modules", "core")
	link := config.Link{Consumer: consumer, Name: "core", Source: source}

	require.NoError(t, os.MkdirAll(source, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "package.json"),
		[]byte(`{"name": "core", "version": "1.2.0"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "index.js"), nil, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(consumer, "node_modules"), 0755))

	assert.Equal(t, statusString{phase: missing, color: goterm.RED}, linkStatus(link, sync.LinkMode))

	require.NoError(t, os.Symlink(source, mirror))
	assert.Equal(t, statusString{phase: linked, color: goterm.BLUE}, linkStatus(link, sync.LinkMode))

	require.NoError(t, os.Remove(mirror))
	require.NoError(t, os.MkdirAll(mirror, 0755))
	require.NoError(t, os.Symlink(filepath.Join("..", "..", "..", "core", "package.json"),
		filepath.Join(mirror, "package.json")))
	assert.Equal(t, statusString{phase: drifted, msg: "1 out of date", color: goterm.YELLOW},
		linkStatus(link, sync.LinkMode))

	require.NoError(t, os.Symlink(filepath.Join("..", "..", "..", "core", "index.js"),
		filepath.Join(mirror, "index.js")))
	assert.Equal(t, statusString{phase: synced, color: goterm.GREEN}, linkStatus(link, sync.LinkMode))

	assert.Equal(t, "core@1.2.0", packageString(link))
	assert.Equal(t, "missing", packageString(config.Link{Name: "missing", Source: root}))
}

func TestStatusString(t *testing.T) {
	ss := statusString{phase: drifted, msg: "2 out of date", color: goterm.YELLOW}
	assert.Equal(t, goterm.Color("drifted (2 out of date)", goterm.YELLOW), ss.String())
}
