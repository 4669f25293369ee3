package logging

import (
	"bytes"
	"mini-overlay/config"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(config.Log{Level: "info", Format: "json", Writer: []string{"console"}}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	log.Debug().Msg("hidden")
	log.Info().Str("service", "web").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, `"service":"web"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlayd.log")
	cfg := config.Log{
		Level:  "debug",
		Format: "console",
		Writer: []string{"console", "file"},
		File:   config.LogFile{Path: path, MaxSize: 1},
	}
	var buf bytes.Buffer
	log, closer, err := New(cfg, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Debug().Msg("to both")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"message":"to both"`) {
		t.Errorf("file = %s", data)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Errorf("console = %s", buf.String())
	}
}

func TestRejectsBadConfig(t *testing.T) {
	if _, _, err := New(config.Log{Level: "loud", Writer: []string{"console"}}, nil); err == nil {
		t.Error("want error for unknown level")
	}
	if _, _, err := New(config.Log{Level: "info", Writer: []string{"syslog"}}, nil); err == nil {
		t.Error("want error for unknown writer")
	}
	if _, _, err := New(config.Log{Level: "info", Writer: []string{"file"}}, nil); err == nil {
		t.Error("want error for file writer without path")
	}
}
