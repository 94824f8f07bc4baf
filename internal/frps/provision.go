package frps

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	githubRepo       = "fatedier/frp"
	maxDownloadBytes = 200 << 20
	downloadTimeout  = 120 * time.Second
	binaryPerm       = 0o755
)

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "frps.exe"
	}
	return "frps"
}

func archiveExt() string {
	if runtime.GOOS == "windows" {
		return "zip"
	}
	return "tar.gz"
}

func frpArch() (string, error) {
	switch runtime.GOARCH {
	case "amd64", "arm64", "386", "arm":
		return runtime.GOARCH, nil
	default:
		return "", fmt.Errorf("frps: unsupported architecture %s", runtime.GOARCH)
	}
}

// archiveURL follows the pattern in spec §6.5:
// https://github.com/fatedier/frp/releases/download/v{version}/frp_{version}_{os}_{arch}.{tar.gz|zip}
func archiveURL(version string) (string, error) {
	arch, err := frpArch()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"https://github.com/%s/releases/download/v%s/frp_%s_%s_%s.%s",
		githubRepo, version, version, runtime.GOOS, arch, archiveExt(),
	), nil
}

// ensureBinary installs the pinned frps version at binPath if it is absent
// or its --version output doesn't match version (spec §4.7 "Binary
// provisioning").
func ensureBinary(ctx context.Context, binPath, version string) error {
	if installed, err := installedVersion(ctx, binPath); err == nil && versionsMatch(installed, version) {
		return nil
	}

	url, err := archiveURL(version)
	if err != nil {
		return err
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	data, err := download(dlCtx, url)
	if err != nil {
		return fmt.Errorf("frps: download %s: %w", url, err)
	}

	binary, err := extractBinary(url, data)
	if err != nil {
		return fmt.Errorf("frps: extract binary: %w", err)
	}

	return installBinary(binPath, binary)
}

func installedVersion(ctx context.Context, binPath string) (string, error) {
	if _, err := os.Stat(binPath); err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, binPath, "--version").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func versionsMatch(installed, pinned string) bool {
	installed = strings.TrimPrefix(strings.TrimSpace(installed), "v")
	pinned = strings.TrimPrefix(strings.TrimSpace(pinned), "v")
	return installed == pinned
}

func installBinary(binPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(binPath), 0o700); err != nil {
		return fmt.Errorf("frps: mkdir bin dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(binPath), "frps-*")
	if err != nil {
		return fmt.Errorf("frps: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, binaryPerm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, binPath); err != nil {
		return fmt.Errorf("frps: rename into place: %w", err)
	}
	return nil
}

func download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "firefrp")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned %s", resp.Status)
	}
	if resp.ContentLength > maxDownloadBytes {
		return nil, fmt.Errorf("download too large: %d bytes exceeds limit %d", resp.ContentLength, maxDownloadBytes)
	}
	return readAllWithLimit(resp.Body, maxDownloadBytes)
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("content exceeds limit of %d bytes", limit)
	}
	return data, nil
}

// extractBinary pulls frps[.exe] out of the archive's top-level directory.
// frp ships releases as "frp_{version}_{os}_{arch}/frps" so matching on the
// archive entry's base name (not its full path) is required.
func extractBinary(url string, data []byte) ([]byte, error) {
	name := binaryName()
	if strings.HasSuffix(url, ".zip") {
		return extractFromZip(data, name)
	}
	return extractFromTarGz(data, name)
}

func extractFromTarGz(data []byte, name string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if filepath.Base(hdr.Name) == name && hdr.Typeflag == tar.TypeReg {
			return readAllWithLimit(tr, maxDownloadBytes)
		}
	}
	return nil, fmt.Errorf("binary %q not found in archive", name)
}

func extractFromZip(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if filepath.Base(f.Name) == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer func() { _ = rc.Close() }()
			return readAllWithLimit(rc, maxDownloadBytes)
		}
	}
	return nil, fmt.Errorf("binary %q not found in archive", name)
}
