package update

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsNewer(t *testing.T) {
	require.True(t, isNewer("1.2.3", "1.2.4"))
	require.True(t, isNewer("1.2.3", "2.0.0"))
	require.False(t, isNewer("1.2.3", "1.2.3"))
	require.False(t, isNewer("1.2.3", "1.2.2"))
}

func TestPickChannelStableSkipsPrerelease(t *testing.T) {
	releases := []Release{
		{TagName: "v1.3.0-rc1", Prerelease: true},
		{TagName: "v1.2.0", Prerelease: false},
	}
	got := pickChannel(releases, "stable", "1.0.0")
	require.NotNil(t, got)
	require.Equal(t, "v1.2.0", got.TagName)
}

func TestPickChannelDevAllowsPrerelease(t *testing.T) {
	releases := []Release{
		{TagName: "v1.3.0-rc1", Prerelease: true},
		{TagName: "v1.2.0", Prerelease: false},
	}
	got := pickChannel(releases, "dev", "1.0.0")
	require.NotNil(t, got)
	require.Equal(t, "v1.3.0-rc1", got.TagName)
}

func TestMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeMarker(dir, "1.4.0"))

	matched, version := CheckMarker(dir, "1.4.0")
	require.True(t, matched)
	require.Equal(t, "1.4.0", version)

	// marker is consumed on first read
	_, err := os.Stat(filepath.Join(dir, markerName))
	require.True(t, os.IsNotExist(err))
}

func TestMarkerMismatchTreatedAsStale(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeMarker(dir, "1.3.0"))

	matched, version := CheckMarker(dir, "1.4.0")
	require.False(t, matched)
	require.Equal(t, "1.3.0", version)
}

func TestCheckMarkerAbsent(t *testing.T) {
	matched, version := CheckMarker(t.TempDir(), "1.4.0")
	require.False(t, matched)
	require.Empty(t, version)
}

func buildTarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(content))}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractAllowListedIgnoresOtherPaths(t *testing.T) {
	archive := buildTarGz(t, map[string][]byte{
		"firefrp":  []byte("binary-content"),
		"README.md": []byte("ignore me"),
		"LICENSE":   []byte("ignore me too"),
	})

	files, err := extractAllowListed("firefrp_Linux_x86_64.tar.gz", archive, []string{"firefrp", "firefrp.exe"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, []byte("binary-content"), files["firefrp"])
}

func TestReplaceFilesSwapsContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "firefrp")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o755))

	err := replaceFiles(dir, map[string][]byte{"firefrp": []byte("new")})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestReplaceFilesCreatesMissingTarget(t *testing.T) {
	dir := t.TempDir()
	err := replaceFiles(dir, map[string][]byte{"firefrp": []byte("fresh")})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "firefrp"))
	require.NoError(t, err)
	require.Equal(t, "fresh", string(got))
}
