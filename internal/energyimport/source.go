package energyimport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File identifies one staged meter file, independent of which Source
// produced it.
type File struct {
	Name string
	Path string // source-specific; opaque to callers
}

// Source abstracts the "external staging area (file-share semantics)"
// the spec describes (§4.9): list pending files, read one, and move it
// to the processed or failed folder once handled. LocalSource and
// DropboxSource both implement it.
type Source interface {
	List(ctx context.Context) ([]File, error)
	Read(ctx context.Context, f File) (string, error)
	Move(ctx context.Context, f File, folder string) error
}

// LocalSource is the default Source: three local directories
// (incoming/processed/failed), used when Dropbox isn't configured.
// Grounded on energy_importer.py's list_incoming_files/download_file/
// move_file, translated from Dropbox API calls to direct filesystem
// operations.
type LocalSource struct {
	IncomingDir  string
	ProcessedDir string
	FailedDir    string
}

// NewLocalSource constructs a LocalSource rooted at baseDir, creating
// the three subdirectories if they don't already exist.
func NewLocalSource(baseDir string) (*LocalSource, error) {
	s := &LocalSource{
		IncomingDir:  filepath.Join(baseDir, "incoming"),
		ProcessedDir: filepath.Join(baseDir, "processed"),
		FailedDir:    filepath.Join(baseDir, "failed"),
	}
	for _, dir := range []string{s.IncomingDir, s.ProcessedDir, s.FailedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("energyimport: creating %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *LocalSource) List(ctx context.Context) ([]File, error) {
	entries, err := os.ReadDir(s.IncomingDir)
	if err != nil {
		return nil, err
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".txt") {
			continue
		}
		files = append(files, File{Name: e.Name(), Path: filepath.Join(s.IncomingDir, e.Name())})
	}
	return files, nil
}

func (s *LocalSource) Read(ctx context.Context, f File) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(data), "﻿"), nil // strip BOM, per download_file's utf-8-sig handling
}

func (s *LocalSource) Move(ctx context.Context, f File, folder string) error {
	var destDir string
	switch folder {
	case "processed":
		destDir = s.ProcessedDir
	case "failed":
		destDir = s.FailedDir
	default:
		return fmt.Errorf("energyimport: unknown destination folder %q", folder)
	}

	ext := filepath.Ext(f.Name)
	name := strings.TrimSuffix(f.Name, ext)
	dest := filepath.Join(destDir, fmt.Sprintf("%s_%s%s", name, time.Now().Format("20060102_150405"), ext))
	return os.Rename(f.Path, dest)
}
