// Package rotation archives the previous run's artifacts into cold storage
// before the current run overwrites them.
//
// The previous run is identified by the metadata record, which at this point
// still holds the prior run's timestamp (the export stage replaces it later
// in the pipeline). The artifact triple (snapshot contents, the matching
// export archive, and the matching run log) is bundled into a single
// archive under old/.
package rotation

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/groupware-tools/gwbackup/pkg/hints"
	"github.com/groupware-tools/gwbackup/pkg/layout"
	"github.com/groupware-tools/gwbackup/pkg/metafile"
	"github.com/groupware-tools/gwbackup/pkg/pathcompression"
	"github.com/groupware-tools/gwbackup/pkg/runlog"
)

// ErrNothingToRotate signals that no prior run exists to rotate. The stage
// is skipped with a log note, not an error.
var ErrNothingToRotate = hints.New("no prior run to rotate")

// ErrNoMetadataRecord signals that the metadata record is missing or
// unparsable. Treated as "no prior run": skipped with a warning rather than
// producing a malformed archive name.
var ErrNoMetadataRecord = hints.New("metadata record missing or unreadable")

// Rotator bundles the previous run's artifact triple into old/.
type Rotator struct {
	compressor *pathcompression.Compressor
	log        *runlog.Logger
}

// NewRotator creates a Rotator using the given archive compressor.
func NewRotator(compressor *pathcompression.Compressor, log *runlog.Logger) *Rotator {
	return &Rotator{compressor: compressor, log: log}
}

// Rotate archives the prior run's snapshot, export archive and log into
// old/<prevTimestamp>.<ext>. The live data directory is read, not moved;
// overwriting happens naturally in the snapshot stage.
func (r *Rotator) Rotate(ctx context.Context, lay layout.Layout) error {
	entries, err := os.ReadDir(lay.DataDir)
	if err != nil {
		return fmt.Errorf("could not read data directory %s: %w", lay.DataDir, err)
	}
	if len(entries) == 0 {
		// An empty data directory means there is no prior run.
		return ErrNothingToRotate
	}

	prevTimestamp, err := metafile.Read(lay.MetadataPath)
	if err != nil {
		r.log.Warnw("Cannot determine previous run, skipping rotation", "reason", err)
		return ErrNoMetadataRecord
	}
	prevKey := prevTimestamp.Format(metafile.TimestampLayout)

	ext := r.compressor.Format().Extension()
	triple := []pathcompression.Entry{
		{AbsPath: lay.DataDir, ArchivePath: layout.DataDirName},
		{AbsPath: lay.ExportArchive(prevKey, ext), ArchivePath: path.Join(layout.DatabaseDirName, "db_export_"+prevKey+ext)},
		{AbsPath: lay.RunLog(prevKey), ArchivePath: path.Join(layout.LogDirName, prevKey+".log")},
	}

	// An interrupted earlier run may have left a partial triple; bundle what
	// exists instead of failing rotation forever.
	bundle := triple[:0]
	for _, entry := range triple {
		if _, err := os.Stat(entry.AbsPath); err != nil {
			r.log.Warnw("Previous run artifact missing, rotating without it", "artifact", entry.AbsPath)
			continue
		}
		bundle = append(bundle, entry)
	}
	if len(bundle) == 0 {
		return ErrNothingToRotate
	}

	archivePath := lay.RotationArchive(prevKey, ext)
	r.log.Infow("Rotating previous run into cold storage", "run", prevKey, "archive", archivePath)
	if err := r.compressor.Compress(ctx, bundle, archivePath); err != nil {
		return fmt.Errorf("could not rotate previous run %s: %w", prevKey, err)
	}
	return nil
}
