package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// MaxFirmwareSize bounds a firmware download; ESP32 OTA partitions are far
// smaller.
const MaxFirmwareSize = 16 << 20

// FirmwareInfo describes a firmware build in the catalogue.
type FirmwareInfo struct {
	Version     string `json:"version"`
	DeviceType  string `json:"device_type,omitempty"`
	Changelog   string `json:"changelog,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	ReleasedAt  string `json:"released_at,omitempty"`
	DownloadURL string `json:"download_url"`
}

// FirmwareCheck is the reply to an update check.
type FirmwareCheck struct {
	UpdateAvailable bool   `json:"update_available"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version,omitempty"`
	Changelog       string `json:"changelog,omitempty"`
	FileSize        int64  `json:"file_size,omitempty"`
	Checksum        string `json:"checksum,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	Message         string `json:"message,omitempty"`
}

// CheckFirmware asks whether a newer build exists for a device running
// current.
func (c *Client) CheckFirmware(ctx context.Context, current, mac string) (*FirmwareCheck, error) {
	body := struct {
		CurrentVersion string `json:"current_version"`
		DeviceType     string `json:"device_type"`
		MAC            string `json:"mac_address,omitempty"`
	}{current, c.deviceType, mac}

	var resp FirmwareCheck
	if err := c.doJSON(ctx, http.MethodPost, "/api/firmware/check", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LatestFirmware returns the newest stable build for the client's device type.
func (c *Client) LatestFirmware(ctx context.Context) (*FirmwareInfo, error) {
	var resp FirmwareInfo
	ref := "/api/firmware/latest?device_type=" + url.QueryEscape(c.deviceType)
	if err := c.doJSON(ctx, http.MethodGet, ref, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadFirmware fetches a firmware image into memory. ref may be absolute
// or relative to the base URL. onProgress, if set, is called as bytes arrive;
// total is -1 when the server does not send a length.
func (c *Client) DownloadFirmware(ctx context.Context, ref string, onProgress func(written, total int64)) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: downloading firmware: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.MethodGet, ref); err != nil {
		return nil, err
	}
	if resp.ContentLength > MaxFirmwareSize {
		return nil, fmt.Errorf("backend: firmware is %d bytes, limit %d", resp.ContentLength, MaxFirmwareSize)
	}

	var buf bytes.Buffer
	pw := &progressWriter{
		writer:     &buf,
		total:      resp.ContentLength,
		onProgress: onProgress,
	}
	if _, err := io.Copy(pw, io.LimitReader(resp.Body, MaxFirmwareSize+1)); err != nil {
		return nil, fmt.Errorf("backend: reading firmware: %w", err)
	}
	if buf.Len() > MaxFirmwareSize {
		return nil, fmt.Errorf("backend: firmware exceeds %d bytes", MaxFirmwareSize)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("backend: firmware download is empty")
	}
	return buf.Bytes(), nil
}

// progressWriter wraps an io.Writer and reports download progress.
type progressWriter struct {
	writer     io.Writer
	total      int64
	written    int64
	onProgress func(written, total int64)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.onProgress != nil {
		pw.onProgress(pw.written, pw.total)
	}
	return n, err
}
