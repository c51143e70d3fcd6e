// Package backup archives the SQLite database and config file, restores
// them, and optionally ships archives to S3.
package backup

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
)

// Options selects what goes into an archive.
type Options struct {
	DBPath     string // skipped when empty or missing (e.g. postgres storage)
	ConfigPath string
	// OutputPath wins over Dir. Without either, archives go to the working dir.
	OutputPath string
	Dir        string
	Now        func() time.Time
}

// File is one archived file.
type File struct {
	Name string
	Size int64
}

type Result struct {
	Path  string
	Files []File
}

// Create writes a timestamped .tar.gz of the database (with its WAL and SHM
// files) and the config file.
func Create(opts Options) (*Result, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var files []string
	if opts.DBPath != "" {
		if _, err := os.Stat(opts.DBPath); err == nil {
			files = append(files, opts.DBPath)
			for _, suffix := range []string{"-wal", "-shm"} {
				if _, err := os.Stat(opts.DBPath + suffix); err == nil {
					files = append(files, opts.DBPath+suffix)
				}
			}
		}
	}
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			files = append(files, opts.ConfigPath)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to backup (db: %s, config: %s)", opts.DBPath, opts.ConfigPath)
	}

	out := opts.OutputPath
	if out == "" {
		if opts.Dir != "" {
			if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create backup directory: %w", err)
			}
		}
		name := fmt.Sprintf("bizpilot-backup-%s.tar.gz", opts.Now().Format("20060102-150405"))
		out = filepath.Join(opts.Dir, name)
	}

	res := &Result{Path: out}
	if err := createTarGz(out, files, res); err != nil {
		os.Remove(out)
		return nil, fmt.Errorf("backup failed: %w", err)
	}
	return res, nil
}

func createTarGz(outputPath string, files []string, res *Result) (err error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, path := range files {
		size, err := addFileToTar(tarWriter, path)
		if err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
		res.Files = append(res.Files, File{Name: filepath.Base(path), Size: size})
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func addFileToTar(tw *tar.Writer, path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = filepath.Base(path)

	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	return io.Copy(tw, file)
}

// Restore unpacks an archive made by Create. Database files land next to
// dbPath; the config file (any of .json, .yaml, .yml, .toml) becomes
// cfgPath. Other entries are ignored.
func Restore(archivePath, dbPath, cfgPath string) ([]string, error) {
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
			return restored, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		target := restoreTarget(filepath.Base(header.Name), dbPath, cfgPath)
		if target == "" {
			continue
		}
		if err := writeFile(target, tarReader); err != nil {
			return restored, err
		}
		restored = append(restored, target)
	}
	if len(restored) == 0 {
		return nil, fmt.Errorf("archive %s holds no database or config file", archivePath)
	}
	return restored, nil
}

func restoreTarget(base, dbPath, cfgPath string) string {
	switch {
	case strings.HasSuffix(base, ".db") && dbPath != "":
		return dbPath
	case strings.HasSuffix(base, ".db-wal") && dbPath != "":
		return dbPath + "-wal"
	case strings.HasSuffix(base, ".db-shm") && dbPath != "":
		return dbPath + "-shm"
	}
	switch filepath.Ext(base) {
	case ".json", ".yaml", ".yml", ".toml":
		if cfgPath != "" {
			return cfgPath
		}
	}
	return ""
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}

func HumanSize(bytes int64) string {
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
