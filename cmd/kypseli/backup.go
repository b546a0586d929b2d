package main

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/spf13/cobra"
)

// Archive components. Every entry in a backup lives under one of these
// top-level directories.
const (
	componentStore  = "store"
	componentNATS   = "nats"
	componentConfig = "config"
)

var (
	backupFile       string
	restoreFile      string
	restoreOverwrite bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the store, NATS data and config",
	Long: `Write a zstd-compressed tar archive with a consistent snapshot of the
SQLite store, the NATS data directory and the config file. The store
snapshot is safe to take while the coordinator is running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		n, err := createBackup(cmd.Context(), cfg, cfgPath, backupFile)
		if err != nil {
			return err
		}
		var size int64
		if info, err := os.Stat(backupFile); err == nil {
			size = info.Size()
		}
		fmt.Printf("Backup complete: %d components, %s\n", n, formatSize(size))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup archive",
	Long: `Restore an archive written by 'kypseli backup' to the paths of the
current config. Stop the coordinator first. Existing files are kept
unless --overwrite is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		n, err := restoreBackup(cfg, cfgPath, restoreFile, restoreOverwrite)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println("Archive contains no components.")
			return nil
		}
		fmt.Printf("Restore complete: %d components\n", n)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupFile, "file", "f", "", "output archive (.tar.zst)")
	_ = backupCmd.MarkFlagRequired("file")

	restoreCmd.Flags().StringVarP(&restoreFile, "file", "f", "", "backup archive (.tar.zst)")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace existing files")
	_ = restoreCmd.MarkFlagRequired("file")
}

// createBackup writes the archive and returns how many components it holds.
func createBackup(ctx context.Context, cfg *config.Config, cfgPath, outputPath string) (int, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0

	if exists(cfg.Store.Path) {
		slog.Info("backing up store", "path", cfg.Store.Path)
		if err := backupStore(ctx, tw, cfg.Store); err != nil {
			return 0, fmt.Errorf("backup store: %w", err)
		}
		count++
	}

	if exists(cfg.NATS.DataDir) {
		slog.Info("backing up nats data", "dir", cfg.NATS.DataDir)
		if err := addDir(tw, componentNATS, cfg.NATS.DataDir); err != nil {
			return 0, fmt.Errorf("backup nats data: %w", err)
		}
		count++
	}

	if cfgPath != "" && exists(cfgPath) {
		if err := addFile(tw, path.Join(componentConfig, filepath.Base(cfgPath)), cfgPath); err != nil {
			return 0, fmt.Errorf("backup config: %w", err)
		}
		count++
	}

	if count == 0 {
		slog.Warn("nothing to back up, creating empty archive")
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return count, nil
}

// backupStore snapshots the database into a temp dir and archives the copy,
// so WAL contents are included without stopping writers.
func backupStore(ctx context.Context, tw *tar.Writer, cfg config.StoreConfig) error {
	db, err := store.New(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tmp, err := os.MkdirTemp("", "kypseli-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, filepath.Base(cfg.Path))
	if err := db.Snapshot(ctx, snapshot); err != nil {
		return err
	}
	return addFile(tw, path.Join(componentStore, filepath.Base(cfg.Path)), snapshot)
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

// addDir archives the regular files and directories under root with the
// component name as prefix. Symlinks and other special files are skipped.
func addDir(tw *tar.Writer, component, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := path.Join(component, filepath.ToSlash(rel))

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		case d.Type().IsRegular():
			return addFile(tw, name, p)
		default:
			return nil
		}
	})
}

// restoreBackup extracts the archive to the locations named by cfg and
// returns how many components it restored.
func restoreBackup(cfg *config.Config, cfgPath, inputPath string, overwrite bool) (int, error) {
	// Pre-scan: collect components from archive
	components, err := scanArchiveComponents(inputPath)
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	if len(components) == 0 {
		return 0, nil
	}

	if !overwrite {
		for _, c := range components {
			dest := componentDest(cfg, cfgPath, c)
			if exists(dest) {
				return 0, fmt.Errorf("%s already exists at %s, add --overwrite to replace it", c, dest)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	restored := make(map[string]bool)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read tar entry: %w", err)
		}

		component, rel := splitArchivePath(hdr.Name)
		if component == "" {
			continue
		}
		if !restored[component] {
			slog.Info("restoring component", "name", component)
			restored[component] = true
		}

		switch component {
		case componentStore:
			if hdr.Typeflag != tar.TypeReg {
				continue
			}
			// Stale WAL files would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				if err := os.Remove(cfg.Store.Path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return 0, fmt.Errorf("remove %s: %w", suffix, err)
				}
			}
			err = extractFile(tr, hdr, cfg.Store.Path)
		case componentConfig:
			if hdr.Typeflag != tar.TypeReg || cfgPath == "" {
				continue
			}
			err = extractFile(tr, hdr, cfgPath)
		case componentNATS:
			err = extractEntry(tr, hdr, cfg.NATS.DataDir, rel)
		}
		if err != nil {
			return 0, fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
	}

	return len(restored), nil
}

func componentDest(cfg *config.Config, cfgPath, component string) string {
	switch component {
	case componentStore:
		return cfg.Store.Path
	case componentNATS:
		return cfg.NATS.DataDir
	case componentConfig:
		return cfgPath
	}
	return ""
}

// extractEntry writes a directory or regular file to rel under root.
func extractEntry(tr *tar.Reader, hdr *tar.Header, root, rel string) error {
	rel = strings.TrimSuffix(rel, "/")
	if rel == "." || rel == "" {
		return os.MkdirAll(root, 0o755)
	}
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("unsafe path %q", rel)
	}
	dest := filepath.Join(root, filepath.FromSlash(rel))

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, 0o755)
	case tar.TypeReg:
		return extractFile(tr, hdr, dest)
	}
	return nil
}

func extractFile(r io.Reader, hdr *tar.Header, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// scanArchiveComponents reads tar headers to collect the components in an
// archive without extracting file data.
func scanArchiveComponents(archive string) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		component, _ := splitArchivePath(hdr.Name)
		if component != "" && !seen[component] {
			seen[component] = true
			names = append(names, component)
		}
	}

	return names, nil
}

// splitArchivePath splits "nats/jetstream/meta.inf" into ("nats",
// "jetstream/meta.inf"). Returns an empty component for unknown prefixes.
func splitArchivePath(name string) (component, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	component, relPath, _ = strings.Cut(name, "/")
	if relPath == "" {
		relPath = "./"
	}

	switch component {
	case componentStore, componentNATS, componentConfig:
		return component, relPath
	}
	return "", ""
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
