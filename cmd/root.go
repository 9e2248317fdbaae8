package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/linksync/cmd/status"
	syncCmd "github.com/sidkik/linksync/cmd/sync"
	"github.com/sidkik/linksync/cmd/util"
	"github.com/sidkik/linksync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "LINKSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:   "linksync",
		Short: "Mirror local packages into the projects that depend on them.",
		Long: "linksync keeps the copy of a package installed in a project's\n" +
			"node_modules mirrored against the package's source, without\n" +
			"duplicating the dependencies the project already provides.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		syncCmd.New(),
		status.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
