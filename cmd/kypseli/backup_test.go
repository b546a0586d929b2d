package main

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/store"
)

func TestSplitArchivePath(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantComponent string
		wantRel       string
	}{
		{"store file", "store/kypseli.db", "store", "kypseli.db"},
		{"nested nats path", "nats/jetstream/meta.inf", "nats", "jetstream/meta.inf"},
		{"directory with slash", "nats/jetstream/", "nats", "jetstream/"},
		{"component root dir", "nats/", "nats", "./"},
		{"component bare name", "nats", "nats", "./"},
		{"leading dot-slash", "./config/kypseli.yaml", "config", "kypseli.yaml"},
		{"leading slash", "/store/kypseli.db", "store", "kypseli.db"},
		{"unknown component", "other/file.txt", "", ""},
		{"empty string", "", "", ""},
		{"just a slash", "/", "", ""},
		{"dot only", ".", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotComponent, gotRel := splitArchivePath(tt.input)
			if gotComponent != tt.wantComponent {
				t.Errorf("splitArchivePath(%q) component = %q, want %q", tt.input, gotComponent, tt.wantComponent)
			}
			if gotRel != tt.wantRel {
				t.Errorf("splitArchivePath(%q) relPath = %q, want %q", tt.input, gotRel, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

// createTestArchive builds a zstd-compressed tar with the given entries.
func createTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}

	tw := tar.NewWriter(zw)
	for name, content := range entries {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanArchiveComponents(t *testing.T) {
	archive := createTestArchive(t, map[string]string{
		"store/kypseli.db":        "data",
		"nats/jetstream/meta.inf": "meta",
		"nats/jetstream/msgs.blk": "blocks",
		"other/file.txt":          "ignored",
	})

	components, err := scanArchiveComponents(archive)
	if err != nil {
		t.Fatal(err)
	}
	if len(components) != 2 {
		t.Fatalf("expected 2 components, got %d: %v", len(components), components)
	}
	found := make(map[string]bool)
	for _, c := range components {
		found[c] = true
	}
	for _, want := range []string{"store", "nats"} {
		if !found[want] {
			t.Errorf("expected component %q not found in %v", want, components)
		}
	}
}

func TestScanArchiveComponents_InvalidZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	if err := os.WriteFile(path, []byte("not zstd data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := scanArchiveComponents(path); err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}

func testBackupConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Store.Path = filepath.Join(dir, "data", "kypseli.db")
	cfg.NATS.DataDir = filepath.Join(dir, "data", "nats")
	return cfg, filepath.Join(dir, "kypseli.yaml")
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src, srcCfgPath := testBackupConfig(t)

	db, err := store.New(src.Store)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveObjective(&store.ScheduledObjective{
		ID:        "obj-1",
		Name:      "daily report",
		Schedule:  `{"kind":"cron","cron_expr":"0 9 * * *"}`,
		Objective: "Write the daily report",
		Strategy:  "adaptive",
		Priority:  "normal",
		Status:    "active",
	}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if err := os.MkdirAll(filepath.Join(src.NATS.DataDir, "jetstream"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src.NATS.DataDir, "jetstream", "meta.inf"), []byte("meta"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(srcCfgPath, []byte("swarm:\n  topology: mesh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	n, err := createBackup(context.Background(), src, srcCfgPath, archive)
	if err != nil {
		t.Fatalf("createBackup: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 components, got %d", n)
	}

	dst, dstCfgPath := testBackupConfig(t)
	n, err = restoreBackup(dst, dstCfgPath, archive, false)
	if err != nil {
		t.Fatalf("restoreBackup: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 restored components, got %d", n)
	}

	restored, err := store.New(dst.Store)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	obj, err := restored.GetObjective("obj-1")
	if err != nil {
		t.Fatal(err)
	}
	if obj == nil || obj.Name != "daily report" {
		t.Fatalf("objective not restored: %+v", obj)
	}

	meta, err := os.ReadFile(filepath.Join(dst.NATS.DataDir, "jetstream", "meta.inf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(meta) != "meta" {
		t.Errorf("meta.inf = %q, want %q", meta, "meta")
	}

	cfgData, err := os.ReadFile(dstCfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(cfgData), "topology: mesh") {
		t.Errorf("config not restored: %q", cfgData)
	}
}

func TestRestoreRefusesExisting(t *testing.T) {
	archive := createTestArchive(t, map[string]string{
		"config/kypseli.yaml": "swarm: {}\n",
	})

	cfg, cfgPath := testBackupConfig(t)
	if err := os.WriteFile(cfgPath, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := restoreBackup(cfg, cfgPath, archive, false); err == nil {
		t.Fatal("expected restore to refuse existing config")
	}
	data, _ := os.ReadFile(cfgPath)
	if string(data) != "original" {
		t.Fatalf("config changed without --overwrite: %q", data)
	}

	if _, err := restoreBackup(cfg, cfgPath, archive, true); err != nil {
		t.Fatalf("restore with overwrite: %v", err)
	}
	data, _ = os.ReadFile(cfgPath)
	if string(data) != "swarm: {}\n" {
		t.Fatalf("config = %q after overwrite", data)
	}
}

func TestRestoreRejectsTraversal(t *testing.T) {
	archive := createTestArchive(t, map[string]string{
		"nats/../../escape.txt": "nope",
	})

	cfg, cfgPath := testBackupConfig(t)
	if _, err := restoreBackup(cfg, cfgPath, archive, false); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
	if exists(filepath.Join(filepath.Dir(cfg.NATS.DataDir), "..", "escape.txt")) {
		t.Fatal("traversal entry was written")
	}
}
