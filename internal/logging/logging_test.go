package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", ""); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestNewAppliesLevel(t *testing.T) {
	log, err := New("warn", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.GetLevel() != zerolog.WarnLevel {
		t.Errorf("level = %s, want warn", log.GetLevel())
	}

	log, err = New("", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log.GetLevel() != zerolog.InfoLevel {
		t.Errorf("default level = %s, want info", log.GetLevel())
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridgecal.log")
	log, err := New("info", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info().Str("component", "test").Int("created_google", 1).Msg("tick complete")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"message":"tick complete"`) {
		t.Errorf("file sink is not JSON: %q", line)
	}
	if !strings.Contains(line, `"created_google":1`) {
		t.Errorf("structured field missing: %q", line)
	}
}

func TestNewFileSinkHonorsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridgecal.log")
	log, err := New("error", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info().Msg("below threshold")
	log.Error().Msg("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "below threshold") {
		t.Error("info line written despite error level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("error line missing")
	}
}
