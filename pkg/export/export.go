// Package export drives the application-state export: configuration,
// installed extensions and database contents are dumped by an external
// export utility to its staging path, then compressed into the database
// directory.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/groupware-tools/gwbackup/pkg/config"
	"github.com/groupware-tools/gwbackup/pkg/layout"
	"github.com/groupware-tools/gwbackup/pkg/metafile"
	"github.com/groupware-tools/gwbackup/pkg/pathcompression"
	"github.com/groupware-tools/gwbackup/pkg/runlog"
	"github.com/groupware-tools/gwbackup/pkg/toolexec"
)

// ErrExportTool labels a non-zero exit of the external export utility. It is
// fatal, and staging cleanup is skipped to preserve evidence for manual
// recovery.
var ErrExportTool = errors.New("export tool failed")

// Exporter runs the export stage of the pipeline.
type Exporter struct {
	tools      config.Tools
	exec       *toolexec.Executor
	compressor *pathcompression.Compressor
	log        *runlog.Logger
	dryRun     bool
}

// NewExporter creates an Exporter.
func NewExporter(tools config.Tools, exec *toolexec.Executor, compressor *pathcompression.Compressor, log *runlog.Logger, dryRun bool) *Exporter {
	return &Exporter{
		tools:      tools,
		exec:       exec,
		compressor: compressor,
		log:        log,
		dryRun:     dryRun,
	}
}

// Run executes the export stage for the given run.
//
// The new metadata record is written first: from here on the destination
// tree carries the current run's identity, which later stages and the next
// run's rotator depend on. Then the export utility dumps to the staging
// path, the staging contents are compressed into the database directory,
// and the uncompressed staging contents are deleted. Cleanup runs even when
// compression failed, but not when the export utility itself failed.
func (e *Exporter) Run(ctx context.Context, lay layout.Layout, run config.Run) error {
	if e.dryRun {
		e.log.Infow("[DRY RUN] Would export application state", "command", e.tools.Export, "staging", e.tools.StagingPath)
		return nil
	}

	if err := metafile.Write(lay.MetadataPath, run.Timestamp); err != nil {
		return err
	}

	e.log.Infow("Exporting application state", "command", e.tools.Export, "staging", e.tools.StagingPath)
	if err := e.exec.Run(ctx, e.tools.Export, e.log.RawWriter(), e.log.RawWriter()); err != nil {
		// Fatal; leave the staging path untouched for manual recovery.
		return fmt.Errorf("%w: %v", ErrExportTool, err)
	}

	archivePath := lay.ExportArchive(run.TimestampKey(), e.compressor.Format().Extension())
	compressErr := e.compressor.Compress(ctx, []pathcompression.Entry{
		{AbsPath: e.tools.StagingPath, ArchivePath: ""},
	}, archivePath)

	// The staging contents are intermediate state; clear them regardless of
	// the compression outcome so the next run starts from a clean slate.
	if err := clearDir(e.tools.StagingPath); err != nil {
		e.log.Warnw("Failed to clear export staging path", "path", e.tools.StagingPath, "error", err)
	}

	if compressErr != nil {
		return fmt.Errorf("could not compress export staging path: %w", compressErr)
	}
	e.log.Infow("Export archived", "archive", archivePath)
	return nil
}

// clearDir removes the contents of dir but keeps the directory itself, so a
// fixed staging path configured for the export tool stays valid.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
