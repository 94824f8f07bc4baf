package update

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"path/filepath"
	"strings"
)

const maxFileBytes = 200 << 20

// extractAllowListed pulls every archive entry whose base name is in
// allowList out of the downloaded release asset, keyed by that base name.
// Entries not on the allow-list are ignored (spec §4.12).
func extractAllowListed(assetName string, data []byte, allowList []string) (map[string][]byte, error) {
	if strings.HasSuffix(assetName, ".zip") {
		return extractFromZip(data, allowList)
	}
	return extractFromTarGz(data, allowList)
}

func wanted(name string, allowList []string) bool {
	for _, a := range allowList {
		if a == name {
			return true
		}
	}
	return false
}

func extractFromTarGz(data []byte, allowList []string) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = gz.Close() }()

	out := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		name := filepath.Base(hdr.Name)
		if hdr.Typeflag != tar.TypeReg || !wanted(name, allowList) {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxFileBytes))
		if err != nil {
			return nil, err
		}
		out[name] = content
	}
	return out, nil
}

func extractFromZip(data []byte, allowList []string) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := map[string][]byte{}
	for _, f := range zr.File {
		name := filepath.Base(f.Name)
		if !wanted(name, allowList) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxFileBytes))
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		out[name] = content
	}
	return out, nil
}
