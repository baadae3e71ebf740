package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestFileFetcherParsesLocalPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	html := `<table><tbody>
<tr><td>Mill Weir</td><td>TSS</td><td>41</td><td>mg/L</td><td>2024-06-02</td></tr>
<tr><td>Mill Weir</td><td>nitrate</td><td>2</td><td>mg/L</td><td>2024-06-02</td></tr>
</tbody></table>`
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		t.Fatal(err)
	}
	samples, err := fileFetcher(path).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(samples) != 1 || samples[0].Location != "Mill Weir" || samples[0].Value != 41 {
		t.Fatalf("unexpected samples: %+v", samples)
	}
}

func TestFileFetcherMissingFile(t *testing.T) {
	if _, err := fileFetcher(filepath.Join(t.TempDir(), "nope.html")).Fetch(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigHonoursPortFlag(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().Int("port", 0, "")
	cmd.Flags().String("host", "", "")
	if err := cmd.Flags().Set("port", "9123"); err != nil {
		t.Fatal(err)
	}
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9123 || logger == nil {
		t.Fatalf("unexpected config: %+v", cfg.Server)
	}
}
