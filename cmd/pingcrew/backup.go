package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pingcrew/internal/config"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the probe history database, config and crew files",
		Long: `Creates a compressed .tar.gz archive containing the SQLite history
database, the configuration file and the crew YAML files. The backup is
timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("pingcrew-backup-%s.tar.gz", ts))
			}

			var files []string
			dbPath := cfg.Memory.DBPath
			if _, err := os.Stat(dbPath); err == nil {
				files = append(files, dbPath)
				// WAL and SHM files hold uncheckpointed writes.
				for _, suffix := range []string{"-wal", "-shm"} {
					if _, err := os.Stat(dbPath + suffix); err == nil {
						files = append(files, dbPath+suffix)
					}
				}
			}
			for _, p := range []string{cfgPath, cfg.Crew.AgentsFile, cfg.Crew.TasksFile} {
				if _, err := os.Stat(p); err == nil {
					files = append(files, p)
				}
			}

			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", dbPath, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				var size int64
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.pingcrew/backups/pingcrew-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore pingcrew data from a backup archive",
		Long: `Restores the history database, configuration file and crew files from
a .tar.gz archive created by 'pingcrew backup'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			targets := restoreTargets{
				config: cfgPath,
				db:     cfg.Memory.DBPath,
				agents: cfg.Crew.AgentsFile,
				tasks:  cfg.Crew.TasksFile,
			}

			if !force {
				for _, p := range []string{targets.db, targets.config} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data.\n")
						fmt.Printf("  Database: %s\n", targets.db)
						fmt.Printf("  Config:   %s\n", targets.config)
						fmt.Printf("Use --force to skip this warning.\n")
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// restoreTargets maps archive entries back to their configured locations.
type restoreTargets struct {
	config string
	db     string
	agents string
	tasks  string
}

func (t restoreTargets) pathFor(baseName string) (string, bool) {
	switch {
	case baseName == filepath.Base(t.config):
		return t.config, true
	case baseName == filepath.Base(t.agents):
		return t.agents, true
	case baseName == filepath.Base(t.tasks):
		return t.tasks, true
	case strings.HasSuffix(baseName, ".db"):
		return t.db, true
	case strings.HasSuffix(baseName, ".db-wal"):
		return t.db + "-wal", true
	case strings.HasSuffix(baseName, ".db-shm"):
		return t.db + "-shm", true
	}
	return "", false
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores known entries; anything else in the archive is skipped.
func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath, ok := targets.pathFor(filepath.Base(header.Name))
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		if err := writeEntry(targetPath, tarReader, os.FileMode(header.Mode).Perm()); err != nil {
			return nil, err
		}
		restored = append(restored, targetPath)
	}

	return restored, nil
}

func writeEntry(path string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o600
	}
	outFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return outFile.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
