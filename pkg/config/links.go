package config

import (
	"path/filepath"
	"time"

	"github.com/sidkik/linksync/pkg/errors"
)

const (
	// LinkConfigName is the name of the link config within a consumer.
	LinkConfigName = "linksync.yaml"

	// InitialLinkConfigVersion is the first version of the link config.
	// Config files that do not specify a version will default to this
	// version.
	InitialLinkConfigVersion = "v1alpha1"

	// SupportedLinkConfigVersion is the supported version of the link config
	// of the current linksync binary.
	SupportedLinkConfigVersion = "v1alpha1"
)

// LinkConfig declares which packages to sync into the consumer in the
// directory containing it, and which workspace packages to sync into each
// other.
type LinkConfig struct {
	Version         string     `json:"version,omitempty"`
	Mode            string     `json:"mode,omitempty"`
	RebuildInterval string     `json:"rebuildInterval,omitempty"`
	RestoreLink     *bool      `json:"restoreLink,omitempty"`
	Links           []LinkRule `json:"links,omitempty"`

	// Packages are globs, relative to the config, matching the directories
	// of workspace packages.
	Packages []string `json:"packages,omitempty"`

	// Only populated and consumed by linksync. Never set by user.
	path string
}

// LinkRule syncs the package at Path into the consumer as Name.
type LinkRule struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (c LinkConfig) getVersion() string {
	return c.Version
}

// GetPath returns the filepath that the config was parsed from. A getter
// method is used rather than making the field public so that it can't get set
// by the yaml Unmarshalling.
func (c LinkConfig) GetPath() string {
	return c.path
}

// Dir returns the directory containing the config, which is the consumer for
// its explicit links.
func (c LinkConfig) Dir() string {
	return filepath.Dir(c.path)
}

// Interval returns the parsed rebuild interval, or zero if it's unset.
func (c LinkConfig) Interval() time.Duration {
	// The interval is validated when the config is parsed.
	d, _ := parseInterval(c.path, c.RebuildInterval)
	return d
}

// ShouldRestoreLink returns whether the mirror should be replaced by a plain
// link when syncing stops. Defaults to true.
func (c LinkConfig) ShouldRestoreLink() bool {
	return c.RestoreLink == nil || *c.RestoreLink
}

// WithDefaults fills in the settings that aren't set in the link config from
// the user's config.
func (c LinkConfig) WithDefaults(user User) LinkConfig {
	if c.Mode == "" {
		c.Mode = user.Mode
	}
	if c.RebuildInterval == "" {
		c.RebuildInterval = user.RebuildInterval
	}
	if c.RestoreLink == nil {
		c.RestoreLink = user.RestoreLink
	}
	return c
}

// ParseLinkConfig parses the link config in the directory `dir`.
func ParseLinkConfig(dir string) (LinkConfig, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return LinkConfig{}, errors.WithContext(err, "resolve config directory")
	}

	configPath := filepath.Join(absDir, LinkConfigName)
	config := LinkConfig{
		path:    configPath,
		Version: InitialLinkConfigVersion,
	}
	if err := parseConfig(configPath, &config, SupportedLinkConfigVersion); err != nil {
		return LinkConfig{}, errors.WithContext(err, "parse")
	}

	if _, err := parseInterval(configPath, config.RebuildInterval); err != nil {
		return LinkConfig{}, err
	}

	if len(config.Links) == 0 && len(config.Packages) == 0 {
		return LinkConfig{}, errors.NewFriendlyError(
			"The link config %q doesn't declare anything to sync.\n"+
				"Add packages to sync under either the `links` or "+
				"`packages` field.", configPath)
	}

	var cleanedLinks []LinkRule
	for i, link := range config.Links {
		if link.Name == "" || link.Path == "" {
			return LinkConfig{}, errors.NewFriendlyError(
				"Link %d in %q is missing its name or path.\n"+
					"Both fields are required for every link.", i+1, configPath)
		}

		// Expand ~'s in the source paths.
		path, err := homedirExpand(link.Path)
		if err != nil {
			return LinkConfig{}, errors.WithContext(err, "expand homedir")
		}

		// Evaluate relative paths relative to the config path.
		if !filepath.IsAbs(path) {
			path = filepath.Join(absDir, path)
		}
		link.Path = filepath.Clean(path)
		cleanedLinks = append(cleanedLinks, link)
	}
	config.Links = cleanedLinks

	for i, pattern := range config.Packages {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return LinkConfig{}, errors.NewFriendlyError(
				"The package glob %q in %q is malformed: %s", pattern, configPath, err)
		}
		config.Packages[i] = filepath.Clean(pattern)
	}
	return config, nil
}
