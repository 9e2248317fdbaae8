package sync

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/linksync/cmd/util"
	"github.com/sidkik/linksync/pkg/config"
	"github.com/sidkik/linksync/pkg/errors"
	"github.com/sidkik/linksync/pkg/shutdown"
	"github.com/sidkik/linksync/pkg/sync"
)

type flags struct {
	noWatch     bool
	mode        string
	interval    time.Duration
	consumer    string
	restoreLink bool
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "sync [config-dir]",
		Short: "Mirror packages into the projects that depend on them",
		Long: "Sync mirrors each package declared in the linksync.yaml in\n" +
			"config-dir, which defaults to the working directory, into the\n" +
			"node_modules of the projects that depend on it. The mirrors are\n" +
			"kept up to date until linksync is stopped, at which point they're\n" +
			"reverted.\n\n" +
			"To sync a single package without a config, use\n" +
			"`linksync sync --consumer DIR NAME SOURCE`.",
		Args: func(cmd *cobra.Command, args []string) error {
			if f.consumer != "" {
				return cobra.ExactArgs(2)(cmd, args)
			}
			return cobra.MaximumNArgs(1)(cmd, args)
		},
		Run: func(cmd *cobra.Command, args []string) {
			opts, links, err := resolve(cmd, f, args)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := run(logrus.StandardLogger(), opts, links); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cmd.Flags().BoolVar(&f.noWatch, "no-watch", false,
		"Mirror the packages once and exit, leaving the mirrors in place")
	cmd.Flags().StringVar(&f.mode, "mode", "",
		"How to build the mirror: either `link` or `copy`")
	cmd.Flags().DurationVar(&f.interval, "interval", 0,
		"The minimum time between rebuilds of the mirror's dependency links")
	cmd.Flags().StringVar(&f.consumer, "consumer", "",
		"Sync a single package into the project in this directory")
	cmd.Flags().BoolVar(&f.restoreLink, "restore-link", true,
		"Replace the mirror with a plain link to the source when stopped")
	return cmd
}

// resolve merges the settings from the user config, the link config, and the
// command line flags, in increasing precedence.
func resolve(cmd *cobra.Command, f flags, args []string) (sync.Options, []config.Link, error) {
	user, err := config.ParseUser()
	if err != nil {
		return sync.Options{}, nil, errors.WithContext(err, "parse user config")
	}

	var links []config.Link
	var linkConfig config.LinkConfig
	if f.consumer != "" {
		links = []config.Link{{Consumer: f.consumer, Name: args[0], Source: args[1]}}
		linkConfig = linkConfig.WithDefaults(user)
	} else {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}

		linkConfig, err = config.ParseLinkConfig(dir)
		if err != nil {
			return sync.Options{}, nil, errors.WithContext(err, "parse link config")
		}
		linkConfig = linkConfig.WithDefaults(user)

		links, err = linkConfig.Resolve()
		if err != nil {
			return sync.Options{}, nil, errors.WithContext(err, "resolve links")
		}
	}

	modeName := linkConfig.Mode
	if cmd.Flags().Changed("mode") {
		modeName = f.mode
	}
	mode, err := sync.ParseMode(modeName)
	if err != nil {
		return sync.Options{}, nil, err
	}

	opts := sync.Options{
		Mode:            mode,
		Watch:           !f.noWatch,
		RebuildInterval: linkConfig.Interval(),
		RestoreLink:     linkConfig.ShouldRestoreLink(),
	}
	if cmd.Flags().Changed("interval") {
		opts.RebuildInterval = f.interval
	}
	if cmd.Flags().Changed("restore-link") {
		opts.RestoreLink = f.restoreLink
	}
	return opts, links, nil
}

// Mocked for unit testing.
var startTask = func(log logrus.FieldLogger, link config.Link, opts sync.Options) (task, error) {
	t, err := sync.Start(log, link.Consumer, link.Name, link.Source, opts)
	if err != nil {
		return nil, err
	}
	return t, nil
}

type task interface {
	Done() <-chan struct{}
}

func run(log logrus.FieldLogger, opts sync.Options, links []config.Link) error {
	if len(links) == 0 {
		return errors.NewFriendlyError("There are no packages to sync.\n" +
			"None of the workspace packages depend on each other, and no " +
			"links are declared.")
	}

	if opts.Watch {
		opts.Shutdown = shutdown.NewRegistry()
	}

	var tasks []task
	for _, link := range links {
		linkLog := log.WithFields(logrus.Fields{
			"package":  link.Name,
			"consumer": link.Consumer,
		})

		t, err := startTask(log, link, opts)
		if err != nil {
			// One misconfigured link shouldn't stop the others from syncing.
			linkLog.Error(errors.GetPrintableMessage(err))
			if strings.Contains(errors.RootCause(err).Error(), "too many open files") {
				linkLog.Warn("There are too many files for linksync to watch " +
					"for changes. Increase the file watching limit, or use " +
					"`--mode link` to watch fewer files.")
			}
			continue
		}
		tasks = append(tasks, t)
	}

	if len(tasks) == 0 {
		return errors.NewFriendlyError("Failed to sync any packages. " +
			"See the errors above for details.")
	}

	if !opts.Watch {
		log.Infof("Mirrored %d of %d packages", len(tasks), len(links))
		return nil
	}

	log.Infof("Syncing %d of %d packages. Press Ctrl-C to stop.", len(tasks), len(links))
	for _, t := range tasks {
		<-t.Done()
	}
	return nil
}
