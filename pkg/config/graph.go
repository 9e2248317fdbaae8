package config

import (
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/linksync/pkg/errors"
	"github.com/sidkik/linksync/pkg/manifest"
)

// Link is a package to sync into a consumer.
type Link struct {
	// Consumer is the directory of the package that depends on the synced
	// package.
	Consumer string

	// Name is the name of the synced package.
	Name string

	// Source is the directory of the synced package's source.
	Source string
}

// Package is a package found in the workspace.
type Package struct {
	Dir      string
	Manifest manifest.Manifest
}

// Resolve returns every link declared by the config. The explicit links are
// synced into the config's directory. Then, each workspace package is synced
// into every other workspace package that depends on it.
func (c LinkConfig) Resolve() ([]Link, error) {
	links := map[string]Link{}
	add := func(link Link) {
		key := link.Consumer + "\x00" + link.Name
		if _, ok := links[key]; !ok {
			links[key] = link
		}
	}

	for _, rule := range c.Links {
		add(Link{Consumer: c.Dir(), Name: rule.Name, Source: rule.Path})
	}

	packages, err := c.FindPackages()
	if err != nil {
		return nil, err
	}

	byName := map[string]Package{}
	for _, pkg := range packages {
		if other, ok := byName[pkg.Manifest.Name]; ok {
			return nil, errors.NewFriendlyError(
				"The package name %q is used by both %q and %q.\n"+
					"Package names must be unique within the workspace.",
				pkg.Manifest.Name, other.Dir, pkg.Dir)
		}
		byName[pkg.Manifest.Name] = pkg
	}

	for _, consumer := range packages {
		for _, dep := range packages {
			if dep.Dir == consumer.Dir || !consumer.Manifest.DependsOn(dep.Manifest.Name) {
				continue
			}
			add(Link{
				Consumer: consumer.Dir,
				Name:     dep.Manifest.Name,
				Source:   dep.Dir,
			})
		}
	}

	var result []Link
	for _, link := range links {
		result = append(result, link)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Consumer != result[j].Consumer {
			return result[i].Consumer < result[j].Consumer
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// FindPackages returns the workspace packages matched by the config's
// package globs, sorted by directory. Matched directories without a manifest
// are skipped.
func (c LinkConfig) FindPackages() ([]Package, error) {
	seen := map[string]struct{}{}
	var packages []Package
	for _, pattern := range c.Packages {
		matches, err := afero.Glob(fs, filepath.Join(c.Dir(), pattern))
		if err != nil {
			return nil, errors.WithContext(err, "glob "+pattern)
		}

		for _, dir := range matches {
			if _, ok := seen[dir]; ok {
				continue
			}
			seen[dir] = struct{}{}

			pkg, ok, err := readPackage(dir)
			if err != nil {
				return nil, err
			}
			if ok {
				packages = append(packages, pkg)
			}
		}
	}

	sort.Slice(packages, func(i, j int) bool {
		return packages[i].Dir < packages[j].Dir
	})
	return packages, nil
}

func readPackage(dir string) (Package, bool, error) {
	manifestPath := filepath.Join(dir, manifest.FileName)
	manifestBytes, err := afero.ReadFile(fs, manifestPath)
	if err != nil {
		// Globs often match files and other directories that aren't
		// packages.
		log.WithError(err).WithField("dir", dir).Debug("Skipping non-package")
		return Package{}, false, nil
	}

	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return Package{}, false, errors.NewFriendlyError(
			"Failed to parse %q: %s", manifestPath, err)
	}

	if m.Name == "" {
		log.WithField("dir", dir).Warn("Skipping workspace package without a name")
		return Package{}, false, nil
	}
	return Package{Dir: dir, Manifest: m}, true, nil
}
