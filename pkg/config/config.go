// Package config resolves one invocation's parameters into an immutable
// BackupRun description: validated paths, retention threshold, the derived
// directory layout, and the external tool command lines.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/groupware-tools/gwbackup/pkg/layout"
	"github.com/groupware-tools/gwbackup/pkg/metafile"
	"github.com/groupware-tools/gwbackup/pkg/util"
)

// ToolsFileName is the optional YAML file in the destination root that
// overrides the external tool command lines.
const ToolsFileName = "gwbackup.yaml"

// RetentionDisabled is the sentinel retention value meaning "never prune".
const RetentionDisabled = -1

// DefaultRetentionDays is the pruning threshold applied when -r is not given.
const DefaultRetentionDays = 14

// ErrValidation labels all configuration errors. They are detected before
// any mutation and abort the invocation with exit code 1.
var ErrValidation = errors.New("invalid configuration")

// Tools holds the command lines of the external collaborators. The commands
// run through the platform shell; zero exit means success.
type Tools struct {
	MaintenanceOn  string `mapstructure:"maintenance_on"`
	MaintenanceOff string `mapstructure:"maintenance_off"`
	Export         string `mapstructure:"export"`
	StagingPath    string `mapstructure:"staging_path"`
	ArchiveFormat  string `mapstructure:"archive_format"`
}

// Params carries the raw invocation parameters before validation.
type Params struct {
	Source        string
	DestRoot      string
	RetentionDays int
	Verbose       bool
	Rotate        bool
	DryRun        bool
	LogLevel      string
}

// Run is the immutable description of one backup run. It is constructed once
// at invocation and read-only thereafter; the timestamp is the correlation
// key across all artifacts the run produces.
type Run struct {
	Timestamp     time.Time
	Source        string
	DestRoot      string
	RetentionDays int
	Verbose       bool
	Rotate        bool
	DryRun        bool
	LogLevel      string
	Layout        layout.Layout
	Tools         Tools
}

// TimestampKey returns the run timestamp in artifact-name form.
func (r Run) TimestampKey() string {
	return r.Timestamp.Format(metafile.TimestampLayout)
}

// Resolve validates the invocation parameters and derives the Run.
// Accessibility of the resolved paths is the preflight checks' concern;
// Resolve only rejects parameters that are wrong on their face.
func Resolve(p Params, now time.Time) (Run, error) {
	if p.Source == "" {
		return Run{}, fmt.Errorf("%w: source directory (-s) is required", ErrValidation)
	}
	if !util.HasTrailingSeparator(p.Source) {
		return Run{}, fmt.Errorf("%w: source path %q must end with a path separator", ErrValidation, p.Source)
	}
	if p.DestRoot == "" {
		return Run{}, fmt.Errorf("%w: destination directory (-d) is required", ErrValidation)
	}
	if !util.HasTrailingSeparator(p.DestRoot) {
		return Run{}, fmt.Errorf("%w: destination path %q must end with a path separator", ErrValidation, p.DestRoot)
	}

	source, err := util.ExpandPath(p.Source)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	destRoot, err := util.ExpandPath(p.DestRoot)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if p.RetentionDays < RetentionDisabled {
		return Run{}, fmt.Errorf("%w: retention days must be >= -1, got %d", ErrValidation, p.RetentionDays)
	}

	destRoot = filepath.Clean(destRoot)
	tools, err := loadTools(destRoot)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return Run{
		Timestamp:     now,
		Source:        filepath.Clean(source),
		DestRoot:      destRoot,
		RetentionDays: p.RetentionDays,
		Verbose:       p.Verbose,
		Rotate:        p.Rotate,
		DryRun:        p.DryRun,
		LogLevel:      p.LogLevel,
		Layout:        layout.New(destRoot),
		Tools:         tools,
	}, nil
}

// loadTools reads the optional tool configuration from the destination root,
// falling back to the defaults of an occ-style groupware CLI.
func loadTools(destRoot string) (Tools, error) {
	v := viper.New()
	v.SetDefault("maintenance_on", "occ maintenance:mode --on")
	v.SetDefault("maintenance_off", "occ maintenance:mode --off")
	v.SetDefault("export", "occ export")
	v.SetDefault("staging_path", filepath.Join(os.TempDir(), "gwbackup_export"))
	v.SetDefault("archive_format", "tar.gz")

	path := filepath.Join(destRoot, ToolsFileName)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Tools{}, fmt.Errorf("read tool config %s: %v", path, err)
		}
	}

	var tools Tools
	if err := v.Unmarshal(&tools); err != nil {
		return Tools{}, fmt.Errorf("unmarshal tool config: %v", err)
	}
	if tools.StagingPath == "" {
		return Tools{}, errors.New("tool config: staging_path must not be empty")
	}
	return tools, nil
}
