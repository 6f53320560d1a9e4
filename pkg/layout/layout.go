// Package layout derives the canonical directory tree under the destination
// root and ensures it exists before any stage writes into it.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/groupware-tools/gwbackup/pkg/metafile"
	"github.com/groupware-tools/gwbackup/pkg/util"
)

// Canonical subdirectory names under the destination root.
const (
	DataDirName     = "data"     // current snapshot of the live data
	DatabaseDirName = "database" // current + historical compressed exports
	ArchiveDirName  = "old"      // compressed bundles of superseded runs
	LogDirName      = "logs"     // per-run log files
)

// Layout holds the resolved paths of the destination directory tree.
type Layout struct {
	DestRoot     string
	DataDir      string
	DatabaseDir  string
	ArchiveDir   string
	LogDir       string
	MetadataPath string
}

// New derives the canonical layout for a destination root.
func New(destRoot string) Layout {
	return Layout{
		DestRoot:     destRoot,
		DataDir:      filepath.Join(destRoot, DataDirName),
		DatabaseDir:  filepath.Join(destRoot, DatabaseDirName),
		ArchiveDir:   filepath.Join(destRoot, ArchiveDirName),
		LogDir:       filepath.Join(destRoot, LogDirName),
		MetadataPath: filepath.Join(destRoot, metafile.RecordName),
	}
}

// All returns every directory of the tree, destination root first.
func (l Layout) All() []string {
	return []string{l.DestRoot, l.DataDir, l.DatabaseDir, l.ArchiveDir, l.LogDir}
}

// WorkingDirs returns the subdirectories the stages write into. The engine
// ensures these again inside the run, since the destination root itself may
// have been freshly created by the outer call.
func (l Layout) WorkingDirs() []string {
	return []string{l.DataDir, l.DatabaseDir, l.ArchiveDir, l.LogDir}
}

// ExportArchive returns the path of the export archive for a run timestamp.
// ext is the archive extension including the leading dot (e.g. ".tar.gz").
func (l Layout) ExportArchive(timestampKey, ext string) string {
	return filepath.Join(l.DatabaseDir, "db_export_"+timestampKey+ext)
}

// RotationArchive returns the path of the rotation bundle for a run timestamp.
func (l Layout) RotationArchive(timestampKey, ext string) string {
	return filepath.Join(l.ArchiveDir, timestampKey+ext)
}

// RunLog returns the path of the run log for a run timestamp.
func (l Layout) RunLog(timestampKey string) string {
	return filepath.Join(l.LogDir, timestampKey+".log")
}

// Ensure creates each of the given directories if absent. Existing
// directories are left untouched; nothing is ever deleted. The operation is
// idempotent by contract: running it twice on an existing tree produces no
// error and no content change.
func Ensure(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(p, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("could not create directory %s: %w", p, err)
		}
	}
	return nil
}
