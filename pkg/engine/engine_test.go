package engine_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/groupware-tools/gwbackup/pkg/config"
	"github.com/groupware-tools/gwbackup/pkg/engine"
	"github.com/groupware-tools/gwbackup/pkg/export"
	"github.com/groupware-tools/gwbackup/pkg/layout"
	"github.com/groupware-tools/gwbackup/pkg/metafile"
	"github.com/groupware-tools/gwbackup/pkg/runlog"
)

// TestHelperProcess is a helper for testing exec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) > 0 && strings.Contains(args[0], "fail") {
		os.Exit(1)
	}
	os.Exit(0)
}

// toolMock mocks os/exec for the external collaborators. When the export
// command runs, the mock drops a dump file into the staging path, standing
// in for the real export tool's output.
type toolMock struct {
	staging string

	mu    sync.Mutex
	calls []string
}

func (m *toolMock) factory(ctx context.Context, name string, arg ...string) *exec.Cmd {
	var cmdLine string
	if len(arg) > 1 && (arg[0] == "-c" || arg[0] == "/C") {
		cmdLine = strings.Join(arg[1:], " ")
	} else {
		cmdLine = name + " " + strings.Join(arg, " ")
	}

	m.mu.Lock()
	m.calls = append(m.calls, cmdLine)
	m.mu.Unlock()

	if strings.Contains(cmdLine, "export") && !strings.Contains(cmdLine, "fail") {
		os.WriteFile(filepath.Join(m.staging, "dump.sql"), []byte("INSERT INTO"), 0644)
	}

	cs := []string{"-test.run=TestHelperProcess", "--", cmdLine}
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

func (m *toolMock) count(cmdLine string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == cmdLine {
			n++
		}
	}
	return n
}

type harness struct {
	source   string
	destRoot string
	lay      layout.Layout
	mock     *toolMock
	tools    config.Tools
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "config.php"), []byte("settings"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(source, "files"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "files", "doc.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	destRoot := t.TempDir()
	staging := t.TempDir()

	return &harness{
		source:   source,
		destRoot: destRoot,
		lay:      layout.New(destRoot),
		mock:     &toolMock{staging: staging},
		tools: config.Tools{
			MaintenanceOn:  "occ maintenance:mode --on",
			MaintenanceOff: "occ maintenance:mode --off",
			Export:         "occ export",
			StagingPath:    staging,
			ArchiveFormat:  "tar.gz",
		},
	}
}

// runOnce performs a complete run at the given timestamp, the way the CLI
// layer drives the engine.
func (h *harness) runOnce(t *testing.T, timestamp time.Time, rotate bool) error {
	t.Helper()

	cfg := config.Run{
		Timestamp:     timestamp,
		Source:        h.source,
		DestRoot:      h.destRoot,
		RetentionDays: config.DefaultRetentionDays,
		Rotate:        rotate,
		Layout:        h.lay,
		Tools:         h.tools,
	}

	if err := layout.Ensure(h.lay.All()...); err != nil {
		t.Fatal(err)
	}
	log, err := runlog.New(h.lay.RunLog(cfg.TimestampKey()), false, zapcore.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	return engine.New(cfg, log, engine.WithCommandContext(h.mock.factory)).Execute(context.Background())
}

func (h *harness) runLogContent(t *testing.T, key string) string {
	t.Helper()
	data, err := os.ReadFile(h.lay.RunLog(key))
	if err != nil {
		t.Fatalf("Expected run log for %s: %v", key, err)
	}
	return string(data)
}

func TestFirstRunProducesFullArtifactSet(t *testing.T) {
	h := newHarness(t)
	ts := time.Date(2026, 3, 14, 2, 30, 0, 0, time.Local)
	key := ts.Format(metafile.TimestampLayout)

	if err := h.runOnce(t, ts, true); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	// Snapshot of the live data.
	data, err := os.ReadFile(filepath.Join(h.lay.DataDir, "files", "doc.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("Expected snapshot copy of source files, got %q, %v", data, err)
	}

	// Export archive named after the run.
	if _, err := os.Stat(h.lay.ExportArchive(key, ".tar.gz")); err != nil {
		t.Errorf("Expected export archive: %v", err)
	}

	// Metadata record matching the run log name.
	recorded, err := metafile.Read(h.lay.MetadataPath)
	if err != nil {
		t.Fatalf("Expected metadata record: %v", err)
	}
	if recorded.Format(metafile.TimestampLayout) != key {
		t.Errorf("Expected record %s, got %s", key, recorded.Format(metafile.TimestampLayout))
	}

	// The final report line marks success.
	logContent := h.runLogContent(t, key)
	if !strings.Contains(logContent, "Backup run completed") {
		t.Errorf("Expected the completion line in the run log, got:\n%s", logContent)
	}

	// First run with rotation requested: nothing to rotate, no bundle.
	bundles, _ := os.ReadDir(h.lay.ArchiveDir)
	if len(bundles) != 0 {
		t.Errorf("Expected no rotation bundle on the first run, found %v", bundles)
	}

	// Maintenance window bracketed exactly once.
	if on := h.mock.count(h.tools.MaintenanceOn); on != 1 {
		t.Errorf("Expected one maintenance-on toggle, got %d", on)
	}
	if off := h.mock.count(h.tools.MaintenanceOff); off != 1 {
		t.Errorf("Expected one maintenance-off toggle, got %d", off)
	}
}

func TestSecondRunRotatesPreviousRun(t *testing.T) {
	h := newHarness(t)
	ts1 := time.Date(2026, 3, 13, 2, 30, 0, 0, time.Local)
	ts2 := ts1.Add(24 * time.Hour)
	key1 := ts1.Format(metafile.TimestampLayout)
	key2 := ts2.Format(metafile.TimestampLayout)

	if err := h.runOnce(t, ts1, true); err != nil {
		t.Fatalf("first Execute() failed: %v", err)
	}
	if err := h.runOnce(t, ts2, true); err != nil {
		t.Fatalf("second Execute() failed: %v", err)
	}

	// The previous run was bundled into cold storage under its own key.
	if _, err := os.Stat(h.lay.RotationArchive(key1, ".tar.gz")); err != nil {
		t.Errorf("Expected rotation bundle for the previous run: %v", err)
	}

	// The record now belongs to the newer run.
	recorded, err := metafile.Read(h.lay.MetadataPath)
	if err != nil {
		t.Fatal(err)
	}
	if recorded.Format(metafile.TimestampLayout) != key2 {
		t.Errorf("Expected record %s, got %s", key2, recorded.Format(metafile.TimestampLayout))
	}

	// Both export archives exist; pruning retains them well within the window.
	if _, err := os.Stat(h.lay.ExportArchive(key2, ".tar.gz")); err != nil {
		t.Errorf("Expected the new export archive: %v", err)
	}
	if !strings.Contains(h.runLogContent(t, key2), "Backup run completed") {
		t.Error("Expected the completion line for the second run")
	}
}

func TestSecondRunWithoutRotateOverwritesInPlace(t *testing.T) {
	h := newHarness(t)
	ts1 := time.Date(2026, 3, 13, 2, 30, 0, 0, time.Local)
	ts2 := ts1.Add(24 * time.Hour)

	if err := h.runOnce(t, ts1, false); err != nil {
		t.Fatalf("first Execute() failed: %v", err)
	}
	if err := h.runOnce(t, ts2, false); err != nil {
		t.Fatalf("second Execute() failed: %v", err)
	}

	bundles, _ := os.ReadDir(h.lay.ArchiveDir)
	if len(bundles) != 0 {
		t.Errorf("Expected no rotation bundles without -k, found %v", bundles)
	}
}

func TestExportToolFailureAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.tools.Export = "fail-export"
	ts := time.Date(2026, 3, 14, 2, 30, 0, 0, time.Local)
	key := ts.Format(metafile.TimestampLayout)

	err := h.runOnce(t, ts, false)
	if !errors.Is(err, export.ErrExportTool) {
		t.Fatalf("Expected ErrExportTool, got %v", err)
	}

	// No success line; monitoring reads this as a failed run.
	if strings.Contains(h.runLogContent(t, key), "Backup run completed") {
		t.Error("Expected no completion line after a failed export")
	}

	// The maintenance window was still released before the export stage.
	if off := h.mock.count(h.tools.MaintenanceOff); off != 1 {
		t.Errorf("Expected the maintenance toggle to be released, got %d off calls", off)
	}

	// Pruning never ran after the failure.
	if _, statErr := os.Stat(h.lay.ExportArchive(key, ".tar.gz")); !os.IsNotExist(statErr) {
		t.Error("Expected no export archive after tool failure")
	}
}

func TestMaintenanceToggleReleasedWhenCopyFails(t *testing.T) {
	h := newHarness(t)
	ts := time.Date(2026, 3, 14, 2, 30, 0, 0, time.Local)

	// Make the snapshot stage fail by removing the source mid-setup.
	if err := os.RemoveAll(h.source); err != nil {
		t.Fatal(err)
	}

	err := h.runOnce(t, ts, false)
	if err == nil {
		t.Fatal("Expected the run to fail when the source disappears")
	}

	if on := h.mock.count(h.tools.MaintenanceOn); on != 1 {
		t.Fatalf("Expected the maintenance window to have been entered, got %d on calls", on)
	}
	if off := h.mock.count(h.tools.MaintenanceOff); off != 1 {
		t.Errorf("Expected the maintenance toggle to be released despite the copy failure, got %d off calls", off)
	}
}

func TestConcurrentRunSkipsGracefully(t *testing.T) {
	h := newHarness(t)
	ts := time.Date(2026, 3, 14, 2, 30, 0, 0, time.Local)

	// Simulate a concurrently active run holding the lock.
	if err := layout.Ensure(h.lay.All()...); err != nil {
		t.Fatal(err)
	}
	lockPath := filepath.Join(h.destRoot, ".~gwbackup.lock")
	lockContent := `{"pid": 12345, "lastUpdate": "` + time.Now().Format(time.RFC3339Nano) + `", "appID": "gwbackup:other"}`
	if err := os.WriteFile(lockPath, []byte(lockContent), 0644); err != nil {
		t.Fatal(err)
	}

	if err := h.runOnce(t, ts, false); err != nil {
		t.Fatalf("Expected a graceful skip, got %v", err)
	}

	// The run log carries an explicit terminal skip line, so monitoring can
	// tell a skipped run from one that died without its completion line.
	logContent := h.runLogContent(t, ts.Format(metafile.TimestampLayout))
	if !strings.Contains(logContent, "Backup run skipped") {
		t.Errorf("Expected a skip line in the run log, got:\n%s", logContent)
	}
	if strings.Contains(logContent, "Backup run completed") {
		t.Error("Expected no completion line for a skipped run")
	}

	// Nothing ran: no toggles, no snapshot.
	if len(h.mock.calls) != 0 {
		t.Errorf("Expected no tool invocations during a skipped run, got %v", h.mock.calls)
	}
	entries, _ := os.ReadDir(h.lay.DataDir)
	if len(entries) != 0 {
		t.Errorf("Expected no snapshot during a skipped run, found %v", entries)
	}
}

func TestDryRunLeavesDestinationUntouched(t *testing.T) {
	h := newHarness(t)
	ts := time.Date(2026, 3, 14, 2, 30, 0, 0, time.Local)

	cfg := config.Run{
		Timestamp:     ts,
		Source:        h.source,
		DestRoot:      h.destRoot,
		RetentionDays: config.DefaultRetentionDays,
		Rotate:        false,
		DryRun:        true,
		Layout:        h.lay,
		Tools:         h.tools,
	}

	if err := layout.Ensure(h.lay.All()...); err != nil {
		t.Fatal(err)
	}
	log, err := runlog.New(h.lay.RunLog(cfg.TimestampKey()), false, zapcore.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	if err := engine.New(cfg, log, engine.WithCommandContext(h.mock.factory)).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if len(h.mock.calls) != 0 {
		t.Errorf("Expected no tool invocations in dry-run mode, got %v", h.mock.calls)
	}
	entries, _ := os.ReadDir(h.lay.DataDir)
	if len(entries) != 0 {
		t.Errorf("Expected no snapshot in dry-run mode, found %v", entries)
	}
	if _, err := os.Stat(h.lay.MetadataPath); !os.IsNotExist(err) {
		t.Error("Expected no metadata record in dry-run mode")
	}
}
