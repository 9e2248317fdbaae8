package config

import (
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/linksync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the linksync user config.
	UserConfigPath = "~/.linksync.yaml"

	// InitialUserConfigVersion is the first version of the linksync
	// user config. Config files that do not specify a version
	// will default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the
	// linksync user config of the current linksync binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// User contains the user's default sync settings. They apply to every link
// config, unless overridden by it.
type User struct {
	Version         string `json:"version,omitempty"`
	Mode            string `json:"mode,omitempty"`
	RebuildInterval string `json:"rebuildInterval,omitempty"`
	RestoreLink     *bool  `json:"restoreLink,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser parses the User stored in the default path. A missing user config
// isn't an error since every setting has a default.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{Version: SupportedUserConfigVersion}, nil
		}
		return User{}, errors.WithContext(err, "parse")
	}

	if _, err := parseInterval(path, config.RebuildInterval); err != nil {
		return User{}, err
	}
	return config, nil
}

// Interval returns the parsed rebuild interval, or zero if it's unset.
func (u User) Interval() time.Duration {
	// The interval is validated when the config is parsed.
	d, _ := parseInterval("", u.RebuildInterval)
	return d
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the path to the user's global linksync
// configuration. This path is expanded, so it can be directly passed to file
// operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
