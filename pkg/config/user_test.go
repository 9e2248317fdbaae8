package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/linksync/pkg/errors"
)

func TestParseUser(t *testing.T) {
	out := ".linksync.yaml"
	userEmptyVersion := User{
		Mode:            "copy",
		RebuildInterval: "10ms",
	}
	userInitialVersion := User{
		Version:         InitialUserConfigVersion,
		Mode:            "copy",
		RebuildInterval: "10ms",
	}
	userCorrectVersion := User{
		Version:         SupportedUserConfigVersion,
		Mode:            "copy",
		RebuildInterval: "10ms",
	}
	userIncorrectVersion := User{
		Version: "incorrect_version",
		Mode:    "copy",
	}
	userEmptyVersionString, err := yaml.Marshal(userEmptyVersion)
	assert.NoError(t, err)
	userCorrectVersionString, err := yaml.Marshal(userCorrectVersion)
	assert.NoError(t, err)
	userIncorrectVersionString, err := yaml.Marshal(userIncorrectVersion)
	assert.NoError(t, err)

	tests := []struct {
		input     []byte
		expConfig User
		expError  error
	}{
		{
			input:     userEmptyVersionString,
			expConfig: userInitialVersion,
			expError:  nil,
		},
		{
			input:     userCorrectVersionString,
			expConfig: userCorrectVersion,
			expError:  nil,
		},
		{
			input:     userIncorrectVersionString,
			expConfig: User{},
			expError: errors.WithContext(incompatibleVersionError{
				path:   out,
				exp:    SupportedUserConfigVersion,
				actual: userIncorrectVersion.Version,
			}, "parse"),
		},
		{
			input: []byte(fmt.Sprintf(
				"version: %s\nextra: fields", SupportedUserConfigVersion)),
			expError: errors.WithContext(
				errors.NewFriendlyError(parseConfigErrTemplate, out,
					errors.New("error unmarshaling JSON: while decoding JSON: "+
						`json: unknown field "extra"`)),
				"parse"),
		},
		{
			input: []byte("rebuildInterval: -1s"),
			expError: errors.NewFriendlyError("The rebuild interval %q in %q "+
				"is invalid. It must be a positive duration, such as \"100ms\".",
				"-1s", out),
		},
	}

	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) {
		return out, nil
	}
	for _, test := range tests {
		err := afero.WriteFile(fs, out, test.input, 0644)
		assert.NoError(t, err)
		config, err := ParseUser()
		assert.Equal(t, test.expConfig, config)
		assert.Equal(t, test.expError, err)
	}
}

func TestParseMissingUser(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) {
		return ".linksync.yaml", nil
	}

	user, err := ParseUser()
	assert.NoError(t, err)
	assert.Equal(t, User{Version: SupportedUserConfigVersion}, user)
	assert.Zero(t, user.Interval())
}

func TestParseWrittenUser(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(_ string) (string, error) {
		return ".linksync.yaml", nil
	}

	restoreLink := false
	user := User{
		Mode:            "link",
		RebuildInterval: "250ms",
		RestoreLink:     &restoreLink,
	}

	// Write the user to disk, and assert that we get the same user config when
	// we parse it.
	assert.NoError(t, WriteUser(user))

	parsed, err := ParseUser()
	assert.NoError(t, err)

	user.Version = SupportedUserConfigVersion
	assert.Equal(t, user, parsed)
	assert.Equal(t, 250*time.Millisecond, parsed.Interval())
}
