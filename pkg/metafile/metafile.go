// Package metafile reads and writes the backup metadata record.
//
// The record is a single plain-text line at a well-known path under the
// destination root, holding the timestamp of the most recently started run.
// It is overwritten, never appended; at most one record exists at a time.
// The rotator reads the previous run's record before the export stage
// replaces it with the current run's timestamp.
package metafile

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/groupware-tools/gwbackup/pkg/util"
)

// RecordName is the file name of the metadata record under the destination root.
const RecordName = "backup_metadata"

// TimestampLayout is the format used for run timestamps, both in the record
// and in artifact names (export archives, log files, rotation bundles).
const TimestampLayout = "2006-01-02_15-04-05"

// recordKey is the key of the single line in the record file.
const recordKey = "date: "

// Write overwrites the metadata record at path with the given run timestamp.
func Write(path string, timestamp time.Time) error {
	line := recordKey + timestamp.Format(TimestampLayout) + "\n"
	if err := os.WriteFile(path, []byte(line), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write metadata record %s: %w", path, err)
	}
	return nil
}

// Read parses the metadata record at path and returns the recorded timestamp.
// If the record does not exist, the original error is returned so that
// os.IsNotExist works for the caller.
func Read(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err // Return the original error so os.IsNotExist works.
	}

	line := strings.TrimSpace(string(data))
	value, ok := strings.CutPrefix(line, recordKey)
	if !ok {
		return time.Time{}, fmt.Errorf("could not parse metadata record %s: missing %q key. It may be corrupt", path, strings.TrimSpace(recordKey))
	}

	timestamp, err := time.ParseInLocation(TimestampLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse metadata record %s: %w. It may be corrupt", path, err)
	}
	return timestamp, nil
}
