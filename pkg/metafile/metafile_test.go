package metafile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAndReadRecord(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), RecordName)
	timestamp := time.Date(2026, 3, 14, 2, 30, 0, 0, time.Local)

	if err := Write(recordPath, timestamp); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	data, err := os.ReadFile(recordPath)
	if err != nil {
		t.Fatalf("Record was not created: %v", err)
	}
	want := "date: 2026-03-14_02-30-00\n"
	if string(data) != want {
		t.Errorf("Expected record content %q, got %q", want, string(data))
	}

	readBack, err := Read(recordPath)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if !readBack.Equal(timestamp) {
		t.Errorf("Expected timestamp %v, got %v", timestamp, readBack)
	}
}

func TestWriteOverwritesPreviousRecord(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), RecordName)
	first := time.Date(2026, 1, 1, 3, 0, 0, 0, time.Local)
	second := time.Date(2026, 1, 2, 3, 0, 0, 0, time.Local)

	if err := Write(recordPath, first); err != nil {
		t.Fatalf("first Write() failed: %v", err)
	}
	if err := Write(recordPath, second); err != nil {
		t.Fatalf("second Write() failed: %v", err)
	}

	readBack, err := Read(recordPath)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if !readBack.Equal(second) {
		t.Errorf("Expected record to hold the newer timestamp %v, got %v", second, readBack)
	}

	data, _ := os.ReadFile(recordPath)
	if got := strings.Count(string(data), "date:"); got != 1 {
		t.Errorf("Expected exactly one record line, got %d", got)
	}
}

func TestReadNonExistentRecord(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), RecordName))
	if err == nil {
		t.Fatal("Expected an error when reading a non-existent record, but got nil")
	}
	if !os.IsNotExist(err) {
		t.Errorf("Expected os.IsNotExist error, got %v", err)
	}
}

func TestReadCorruptRecord(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing key", "2026-03-14_02-30-00\n"},
		{"wrong key", "timestamp: 2026-03-14_02-30-00\n"},
		{"unparsable timestamp", "date: not-a-timestamp\n"},
		{"empty file", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recordPath := filepath.Join(t.TempDir(), RecordName)
			if err := os.WriteFile(recordPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write corrupt record: %v", err)
			}

			_, err := Read(recordPath)
			if err == nil {
				t.Fatal("Expected an error when reading a corrupt record, but got nil")
			}
			if !strings.Contains(err.Error(), "could not parse metadata record") {
				t.Errorf("Expected error about parsing the record, got %v", err)
			}
		})
	}
}
