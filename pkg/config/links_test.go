package config

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/linksync/pkg/errors"
)

func TestParseLinkConfig(t *testing.T) {
	dir := "/workspace/app"
	out := filepath.Join(dir, LinkConfigName)
	links := []LinkRule{{Name: "core", Path: "../core"}}
	cleanedLinks := []LinkRule{{Name: "core", Path: "/workspace/core"}}

	tests := []struct {
		name      string
		input     []byte
		expConfig LinkConfig
		expError  error
	}{
		{
			name:  "EmptyVersion",
			input: mustMarshal(LinkConfig{Links: links}),
			expConfig: LinkConfig{
				Version: InitialLinkConfigVersion,
				Links:   cleanedLinks,
				path:    out,
			},
		},
		{
			name: "AllFields",
			input: []byte(`
version: v1alpha1
mode: copy
rebuildInterval: 1ms
restoreLink: false
links:
- name: "@scope/util"
  path: /src/util/
packages:
- packages/*
`),
			expConfig: LinkConfig{
				Version:         SupportedLinkConfigVersion,
				Mode:            "copy",
				RebuildInterval: "1ms",
				RestoreLink:     boolPtr(false),
				Links:           []LinkRule{{Name: "@scope/util", Path: "/src/util"}},
				Packages:        []string{"packages/*"},
				path:            out,
			},
		},
		{
			name: "IncorrectVersion",
			input: mustMarshal(LinkConfig{
				Version: "incorrect_version",
				Links:   links,
			}),
			expError: errors.WithContext(incompatibleVersionError{
				path:   out,
				exp:    SupportedLinkConfigVersion,
				actual: "incorrect_version",
			}, "parse"),
		},
		{
			name:     "Empty",
			input:    []byte("version: v1alpha1"),
			expError: errors.NewFriendlyError("The link config %q doesn't declare anything to sync.\n"+
				"Add packages to sync under either the `links` or "+
				"`packages` field.", out),
		},
		{
			name:  "MissingLinkPath",
			input: mustMarshal(LinkConfig{Links: []LinkRule{{Name: "core"}}}),
			expError: errors.NewFriendlyError("Link 1 in %q is missing its name or path.\n"+
				"Both fields are required for every link.", out),
		},
		{
			name: "BadInterval",
			input: mustMarshal(LinkConfig{
				Links:           links,
				RebuildInterval: "soon",
			}),
			expError: errors.NewFriendlyError("The rebuild interval %q in %q "+
				"is invalid. It must be a positive duration, such as \"100ms\".",
				"soon", out),
		},
		{
			name: "ExtraFields",
			input: []byte(fmt.Sprintf(
				"version: %s\nextra: fields", SupportedLinkConfigVersion)),
			expError: errors.WithContext(
				errors.NewFriendlyError(parseConfigErrTemplate, out,
					errors.New("error unmarshaling JSON: while decoding JSON: "+
						`json: unknown field "extra"`)),
				"parse"),
		},
		{
			name: "IncorrectVersionAndExtraFields",
			input: []byte(`
version: incorrect_version
extra: fields
`),
			expError: errors.WithContext(incompatibleVersionError{
				path:   out,
				exp:    SupportedLinkConfigVersion,
				actual: "incorrect_version",
			}, "parse"),
		},
	}

	fs = afero.NewMemMapFs()
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			err := afero.WriteFile(fs, out, test.input, 0644)
			assert.NoError(t, err)
			config, err := ParseLinkConfig(dir)
			assert.Equal(t, test.expConfig, config)
			assert.Equal(t, test.expError, err)
		})
	}
}

func TestParseLinkConfigMissing(t *testing.T) {
	fs = afero.NewMemMapFs()
	_, err := ParseLinkConfig("/workspace")
	assert.Equal(t, errors.WithContext(errors.FileNotFound{
		Path: filepath.Join("/workspace", LinkConfigName),
	}, "parse"), err)
}

func TestLinkConfigDefaults(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/app/linksync.yaml", []byte(`
links:
- name: core
  path: ../core
`), 0644))

	config, err := ParseLinkConfig("/app")
	require.NoError(t, err)
	assert.Equal(t, "/app", config.Dir())
	assert.True(t, config.ShouldRestoreLink())
	assert.Zero(t, config.Interval())

	user := User{
		Mode:            "copy",
		RebuildInterval: "5ms",
		RestoreLink:     boolPtr(false),
	}
	withDefaults := config.WithDefaults(user)
	assert.Equal(t, "copy", withDefaults.Mode)
	assert.Equal(t, 5*time.Millisecond, withDefaults.Interval())
	assert.False(t, withDefaults.ShouldRestoreLink())

	// Settings in the link config take precedence.
	config.Mode = "link"
	assert.Equal(t, "link", config.WithDefaults(user).Mode)
}

func boolPtr(b bool) *bool {
	return &b
}

func mustMarshal(cfg interface{}) []byte {
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		panic(fmt.Errorf("bad test input, unable to marshal to yaml: %s", err))
	}
	return yamlBytes
}
