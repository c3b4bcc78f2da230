package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unchainedshop/workqueue/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("workqueue-scheduler %s (commit %s, built %s, %s)\n",
			version.Version, version.GitCommit, version.BuildTime, version.GoVersion())
	},
}
