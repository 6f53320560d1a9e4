// Package cmd carries the invocation surface of gwbackup.
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/groupware-tools/gwbackup/pkg/config"
	"github.com/groupware-tools/gwbackup/pkg/engine"
	"github.com/groupware-tools/gwbackup/pkg/layout"
	"github.com/groupware-tools/gwbackup/pkg/preflight"
	"github.com/groupware-tools/gwbackup/pkg/runlog"
)

var (
	flagSource    string
	flagDest      string
	flagRetention int
	flagVerbose   bool
	flagRotate    bool
	flagDryRun    bool
	flagLogLevel  string

	rootCmd = &cobra.Command{
		Use:   "gwbackup",
		Short: "Scheduled backup orchestrator for a self-hosted groupware application",
		Long: `gwbackup snapshots the application data, exports the application state,
compresses and rotates prior backups, and prunes aged artifacts. One
invocation performs one complete run; trigger it from a periodic scheduler.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBackup,
	}
)

// Execute runs the root command. A non-nil error means the invocation failed
// and the process should exit with code 1.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagSource, "source", "s", "", "Source directory to snapshot (required, trailing separator required)")
	f.StringVarP(&flagDest, "dest", "d", "", "Destination root for backups (required, trailing separator required)")
	f.IntVarP(&flagRetention, "retention", "r", config.DefaultRetentionDays, "Retention threshold in days; -1 disables pruning")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "Mirror the run log to the terminal")
	f.BoolVarP(&flagRotate, "rotate", "k", false, "Archive the previous run's artifacts before overwriting them")
	f.BoolVar(&flagDryRun, "dry-run", false, "Show what would be done without making any changes")
	f.StringVar(&flagLogLevel, "log-level", "info", "Terminal log level: 'debug', 'info', 'warn', 'error'")

	rootCmd.AddCommand(versionCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	consoleLevel, err := zapcore.ParseLevel(flagLogLevel)
	if err != nil {
		return err
	}
	console := runlog.Console(consoleLevel)

	// Validation and the privilege gate run before any I/O on the
	// destination; a failure here leaves no trace behind.
	runCfg, err := config.Resolve(config.Params{
		Source:        flagSource,
		DestRoot:      flagDest,
		RetentionDays: flagRetention,
		Verbose:       flagVerbose,
		Rotate:        flagRotate,
		DryRun:        flagDryRun,
		LogLevel:      flagLogLevel,
	}, time.Now())
	if err != nil {
		console.Errorw("Configuration invalid", "error", err)
		return err
	}

	if err := preflight.CheckElevated(); err != nil {
		console.Errorw("Privilege check failed", "error", err)
		return err
	}

	if err := preflight.CheckSourceAccessible(runCfg.Source); err != nil {
		console.Errorw("Source check failed", "error", err)
		return err
	}
	if err := preflight.CheckDestinationUsable(runCfg.DestRoot); err != nil {
		console.Errorw("Destination check failed", "error", err)
		return err
	}

	// Outer ensure: the destination root itself may not exist yet.
	if err := layout.Ensure(runCfg.Layout.All()...); err != nil {
		console.Errorw("Could not prepare destination tree", "error", err)
		return err
	}

	log, err := runlog.New(runCfg.Layout.RunLog(runCfg.TimestampKey()), runCfg.Verbose, consoleLevel)
	if err != nil {
		console.Errorw("Could not open run log", "error", err)
		return err
	}
	defer log.Close()

	return engine.New(runCfg, log).Execute(cmd.Context())
}
