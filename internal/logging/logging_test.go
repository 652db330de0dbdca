package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/soilgrids/awc/internal/logging"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, runID, err := logging.New(&buf, "info", "json")
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("hidden")
	logger.Info("fetched", "path", "/tmp/a.tif")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 record, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decoding record: %v", err)
	}

	if rec["msg"] != "fetched" || rec["path"] != "/tmp/a.tif" {
		t.Errorf("unexpected record %v", rec)
	}
	if rec["run_id"] != runID {
		t.Errorf("expected run_id %s, got %v", runID, rec["run_id"])
	}
	if _, err := uuid.Parse(runID); err != nil {
		t.Errorf("run id %q is not a uuid: %v", runID, err)
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := logging.New(&buf, "DEBUG", "")
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("expected text record, got %q", buf.String())
	}
}

func TestNew_Invalid(t *testing.T) {
	testCases := map[string]struct {
		level  string
		format string
	}{
		"level":  {level: "verbose", format: "text"},
		"format": {level: "info", format: "logfmt"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := logging.New(&bytes.Buffer{}, tc.level, tc.format); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
