package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const tomlConfig = `
zoom_level = 2
save_path = "/srv/earth"
progress = true

[provider]
host = "https://meta.example"
tile_host = "https://tiles.example"
template = "/img/{}d/550/{}_{}_{}.png"
metadata_path = "/img/latest.json"
headers = { Referer = "https://example.org/" }

[fetch]
max_retries = 0
retry_delay = "250ms"

[mosaic]
format = "png"

[window]
span = "2h"
`

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.toml", tomlConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ZoomLevel != 2 || cfg.SavePath != "/srv/earth" || !cfg.Progress {
		t.Errorf("top-level fields: %+v", cfg)
	}
	if cfg.Fetch.Retries() != 0 {
		t.Errorf("explicit zero retries lost: %d", cfg.Fetch.Retries())
	}
	if cfg.Fetch.RetryDelay.Duration != 250*time.Millisecond {
		t.Errorf("retry delay = %v", cfg.Fetch.RetryDelay)
	}
	if cfg.Window.Span.Duration != 2*time.Hour || cfg.Window.Step.Duration != 10*time.Minute {
		t.Errorf("window = %v/%v", cfg.Window.Span, cfg.Window.Step)
	}
	if diff := cmp.Diff(map[string]string{"Referer": "https://example.org/"}, cfg.Provider.Headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if cfg.Ledger.Path != filepath.Join("/srv/earth", "ledger.db") {
		t.Errorf("ledger path = %q", cfg.Ledger.Path)
	}
	if cfg.Mosaic.Format != "png" || cfg.Mosaic.PNGUnitSize != 550 {
		t.Errorf("mosaic = %+v", cfg.Mosaic)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
zoom_level: 8
provider:
  host: https://meta.example
  template: /{zoom}/{time}/{col}_{row}.png
fetch:
  timeout: 3s
ledger:
  backend: file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ZoomLevel != 8 || cfg.Fetch.Timeout.Duration != 3*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Fetch.Retries() != 3 {
		t.Errorf("default retries = %d, want 3", cfg.Fetch.Retries())
	}
	if !strings.HasSuffix(cfg.Ledger.Path, "ledger.jsonl") {
		t.Errorf("ledger path = %q", cfg.Ledger.Path)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MOSAIC_ZOOM_LEVEL", "16")
	t.Setenv("MOSAIC_LOG_LEVEL", "debug")
	t.Setenv("MOSAIC_STORAGE_BACKEND", "url")
	t.Setenv("MOSAIC_STORAGE_URL", "mem://")

	cfg, err := Load(writeFile(t, "config.toml", tomlConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ZoomLevel != 16 || cfg.Log.Level != "debug" || cfg.Storage.URL != "mem://" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("MOSAIC_ZOOM_LEVEL", "notanumber")
	if _, err := Load(""); err == nil {
		t.Fatal("expected env parse error")
	}

	t.Setenv("MOSAIC_ZOOM_LEVEL", "")
	_, err := Load(writeFile(t, "bad.toml", `
[provider]
host = "h"
[mosaic]
format = "gif"
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"template", "format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestValidateRejectsMonthLongSpan(t *testing.T) {
	for _, span := range []string{"672h", "720h"} {
		body := strings.Replace(tomlConfig, `span = "2h"`, `span = "`+span+`"`, 1)
		_, err := Load(writeFile(t, "config.toml", body))
		if err == nil || !strings.Contains(err.Error(), "window.span") {
			t.Errorf("span %s: error = %v, want window.span rejection", span, err)
		}
	}

	body := strings.Replace(tomlConfig, `span = "2h"`, `span = "671h"`, 1)
	if _, err := Load(writeFile(t, "config.toml", body)); err != nil {
		t.Errorf("span just under 28 days rejected: %v", err)
	}
}
