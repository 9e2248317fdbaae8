package status

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/linksync/cmd/util"
	"github.com/sidkik/linksync/pkg/config"
	"github.com/sidkik/linksync/pkg/errors"
	"github.com/sidkik/linksync/pkg/manifest"
	"github.com/sidkik/linksync/pkg/sync"
)

// New creates a new `status` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "status [config-dir]",
		Short: "Show whether each declared package is mirrored",
		Long: "Status shows the state of each package declared in the\n" +
			"linksync.yaml in config-dir, which defaults to the working\n" +
			"directory.",
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			if err := run(cmd.OutOrStdout(), dir); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(out io.Writer, dir string) error {
	user, err := config.ParseUser()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	linkConfig, err := config.ParseLinkConfig(dir)
	if err != nil {
		return errors.WithContext(err, "parse link config")
	}
	linkConfig = linkConfig.WithDefaults(user)

	mode, err := sync.ParseMode(linkConfig.Mode)
	if err != nil {
		return err
	}

	links, err := linkConfig.Resolve()
	if err != nil {
		return errors.WithContext(err, "resolve links")
	}

	table := goterm.NewTable(0, 10, 3, ' ', 0)
	fmt.Fprintln(table, "PACKAGE\tCONSUMER\tSTATUS")
	for _, link := range links {
		fmt.Fprintf(table, "%s\t%s\t%s\n",
			packageString(link), link.Consumer, linkStatus(link, mode))
	}
	_, err = fmt.Fprint(out, table.String())
	return err
}

type statusString struct {
	color int
	phase string
	msg   string
}

func (ss statusString) String() string {
	msg := ss.phase
	if ss.msg != "" {
		msg += " (" + ss.msg + ")"
	}
	return goterm.Color(msg, ss.color)
}

const (
	// synced means that the mirror matches the source.
	synced = "synced"

	// linked means that the package is installed as a plain link to the
	// source, which is how it's left when syncing stops.
	linked = "linked"

	// drifted means that the mirror exists, but doesn't match the source.
	drifted = "drifted"

	// missing means that nothing is installed for the package.
	missing = "missing"
)

func linkStatus(link config.Link, mode sync.Mode) statusString {
	mirror := filepath.Join(link.Consumer, manifest.DependencyDir, link.Name)
	fi, err := os.Lstat(mirror)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", mirror).Debug("Failed to stat mirror")
		}
		return statusString{phase: missing, color: goterm.RED}
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		return statusString{phase: linked, color: goterm.BLUE}
	}

	drift, err := sync.Drift(link.Source, mirror, mode)
	if err != nil {
		return statusString{phase: drifted, msg: errors.GetPrintableMessage(err), color: goterm.RED}
	}

	if len(drift) != 0 {
		return statusString{
			phase: drifted,
			msg:   fmt.Sprintf("%d out of date", len(drift)),
			color: goterm.YELLOW,
		}
	}
	return statusString{phase: synced, color: goterm.GREEN}
}

// packageString includes the version of the package's source, if it can be
// read.
func packageString(link config.Link) string {
	m, err := manifest.Read(link.Source)
	if err != nil {
		log.WithError(err).WithField("package", link.Name).Debug("Failed to read manifest")
		return link.Name
	}

	m.Name = link.Name
	return m.String()
}
