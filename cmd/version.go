package cmd

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/groupware-tools/gwbackup/pkg/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("%s %s %s/%s\n", buildinfo.Name, buildinfo.Version, runtime.GOOS, runtime.GOARCH)
	},
}
