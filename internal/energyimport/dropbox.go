package energyimport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/heatfetch/heatfetch/internal/envconfig"
)

const (
	dropboxAPIBase     = "https://api.dropboxapi.com/2"
	dropboxContentBase = "https://content.dropboxapi.com/2"
	dropboxTimeout     = 30 * time.Second
)

// DropboxSource is the optional Source backed by a Dropbox app folder,
// used when DROPBOX_ACCESS_TOKEN is configured (spec §6's "DROPBOX_*
// (optional energy-import source)"). There is no vetted Dropbox Go SDK
// in this project's dependency set, so it talks to Dropbox's plain
// JSON-over-HTTP v2 API directly — the same bespoke-REST-client idiom
// internal/weather already uses for SMHI. Grounded on
// energy_importer.py's EnergyImporter, whose three Dropbox SDK calls
// (files_list_folder, files_download, files_move_v2) map 1:1 onto the
// three endpoints used here.
type DropboxSource struct {
	httpClient *http.Client
	token      string
}

// NewDropboxSource constructs a DropboxSource from the resolved
// Dropbox configuration. It returns an error if no access token is
// configured.
func NewDropboxSource(cfg envconfig.DropboxConfig) (*DropboxSource, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("energyimport: dropbox not configured")
	}
	return &DropboxSource{
		httpClient: &http.Client{Timeout: dropboxTimeout},
		token:      cfg.AccessToken,
	}, nil
}

func (d *DropboxSource) doJSON(ctx context.Context, url string, body interface{}, into interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dropbox: %s returned %d: %s", url, resp.StatusCode, string(msg))
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

type dropboxListFolderRequest struct {
	Path string `json:"path"`
}

type dropboxEntry struct {
	Tag         string `json:".tag"`
	Name        string `json:"name"`
	PathDisplay string `json:"path_display"`
}

type dropboxListFolderResponse struct {
	Entries []dropboxEntry `json:"entries"`
	HasMore bool           `json:"has_more"`
}

// List returns every .txt file under /incoming, creating the three
// standard app-folder directories on the "folder not found" error the
// same way list_incoming_files does.
func (d *DropboxSource) List(ctx context.Context) ([]File, error) {
	var resp dropboxListFolderResponse
	err := d.doJSON(ctx, dropboxAPIBase+"/files/list_folder", dropboxListFolderRequest{Path: "/incoming"}, &resp)
	if err != nil && strings.Contains(err.Error(), "not_found") {
		for _, dir := range []string{"/incoming", "/processed", "/failed"} {
			_ = d.doJSON(ctx, dropboxAPIBase+"/files/create_folder_v2", dropboxListFolderRequest{Path: dir}, nil)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []File
	for _, e := range resp.Entries {
		if e.Tag != "file" || !strings.HasSuffix(strings.ToLower(e.Name), ".txt") {
			continue
		}
		files = append(files, File{Name: e.Name, Path: e.PathDisplay})
	}
	return files, nil
}

type dropboxDownloadArg struct {
	Path string `json:"path"`
}

// Read downloads one file's content, stripping a UTF-8 BOM the way
// download_file's utf-8-sig decoding does.
func (d *DropboxSource) Read(ctx context.Context, f File) (string, error) {
	arg, err := json.Marshal(dropboxDownloadArg{Path: f.Path})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dropboxContentBase+"/files/download", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Dropbox-API-Arg", string(arg))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("dropbox: download %s returned %d: %s", f.Path, resp.StatusCode, string(msg))
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(content), "﻿"), nil
}

type dropboxMoveRequest struct {
	FromPath string `json:"from_path"`
	ToPath   string `json:"to_path"`
}

// Move relocates a file to /processed or /failed, appending a
// timestamp suffix to avoid name collisions, mirroring move_file.
func (d *DropboxSource) Move(ctx context.Context, f File, folder string) error {
	if folder != "processed" && folder != "failed" {
		return fmt.Errorf("energyimport: unknown destination folder %q", folder)
	}

	ext := ""
	name := f.Name
	if idx := strings.LastIndex(f.Name, "."); idx >= 0 {
		ext = f.Name[idx:]
		name = f.Name[:idx]
	}
	toPath := fmt.Sprintf("/%s/%s_%s%s", folder, name, time.Now().Format("20060102_150405"), ext)

	return d.doJSON(ctx, dropboxAPIBase+"/files/move_v2", dropboxMoveRequest{FromPath: f.Path, ToPath: toPath}, nil)
}
