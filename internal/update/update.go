// Package update implements the release-feed check, download/extract, and
// atomic-per-file binary replace described in spec §4.12. It is grounded
// directly on internal/selfupdate's Check/Apply flow, generalized to a
// three-channel release feed and a fixed allow-list of replaced paths
// instead of a single binary.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	// githubRepo is the owner/repo path this build's release feed lives at.
	githubRepo = "firefrp/firefrp"

	feedTimeout     = 15 * time.Second
	downloadTimeout = 120 * time.Second

	markerName = ".just_updated"
	filePerm   = 0o600
)

// allowList are the archive paths the updater will replace, relative to the
// install directory. Anything else present in a release archive is ignored.
var allowList = []string{
	"firefrp",
	"firefrp.exe",
}

// Release is the subset of GitHub release metadata the updater consumes.
type Release struct {
	TagName    string  `json:"tag_name"`
	Prerelease bool    `json:"prerelease"`
	Assets     []Asset `json:"assets"`
}

// Asset represents a single downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Service implements botdispatcher.Updater against a GitHub-style release
// feed (spec §4.12).
type Service struct {
	installDir     string
	currentVersion string
	channel        func() string
	httpClient     *http.Client
	log            *slog.Logger
}

// New builds a Service. installDir is the directory containing the running
// binary (the target of the per-file replace); channel is called at
// Trigger time so a live config change (the `channel` bot command) takes
// effect on the next run without restarting the service.
func New(installDir, currentVersion string, channel func() string, log *slog.Logger) *Service {
	return &Service{
		installDir:     installDir,
		currentVersion: currentVersion,
		channel:        channel,
		httpClient:     &http.Client{},
		log:            log,
	}
}

// Trigger implements botdispatcher.Updater: it checks the feed, and if a
// newer matching release exists, downloads, extracts, replaces the
// allow-listed paths, writes the marker, and exits the process so an
// external supervisor restarts it. progress is called with human-readable
// status lines suitable for relaying back over chat.
func (s *Service) Trigger(ctx context.Context, progress func(string)) error {
	report := func(msg string) {
		s.log.Info("update: "+msg)
		if progress != nil {
			progress(msg)
		}
	}

	report("checking release feed")
	rel, err := s.check(ctx)
	if err != nil {
		return fmt.Errorf("update: check: %w", err)
	}
	if rel == nil {
		report("already up to date")
		return nil
	}

	report(fmt.Sprintf("downloading %s", rel.TagName))
	assetName, dlURL, err := assetForPlatform(rel)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	data, err := s.download(ctx, dlURL)
	if err != nil {
		return fmt.Errorf("update: download %s: %w", assetName, err)
	}

	report("extracting archive")
	files, err := extractAllowListed(assetName, data, allowList)
	if err != nil {
		return fmt.Errorf("update: extract: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("update: no allow-listed path found in %s", assetName)
	}

	report("replacing files")
	if err := replaceFiles(s.installDir, files); err != nil {
		return fmt.Errorf("update: replace: %w", err)
	}

	version := strings.TrimPrefix(rel.TagName, "v")
	if err := writeMarker(s.installDir, version); err != nil {
		s.log.Warn("update: write marker failed", "err", err)
	}

	report(fmt.Sprintf("updated to %s, restarting", rel.TagName))
	os.Exit(0)
	return nil
}

// check queries the release feed and returns the newest release matching
// the effective channel, or nil if already current.
func (s *Service) check(ctx context.Context) (*Release, error) {
	ctx, cancel := context.WithTimeout(ctx, feedTimeout)
	defer cancel()

	releases, err := s.fetchReleases(ctx)
	if err != nil {
		return nil, err
	}

	channel := "stable"
	if s.channel != nil {
		if c := s.channel(); c != "" {
			channel = c
		}
	}

	rel := pickChannel(releases, channel, s.currentVersion)
	if rel == nil {
		return nil, nil
	}

	current := strings.TrimPrefix(s.currentVersion, "v")
	latest := strings.TrimPrefix(rel.TagName, "v")
	if current == "dev" || current == latest || !isNewer(current, latest) {
		return nil, nil
	}
	return rel, nil
}

// pickChannel selects the newest release visible on the given channel.
// "stable" excludes prereleases; "dev" and "auto" (following the running
// version's own prerelease-ness) both consider prereleases.
func pickChannel(releases []Release, channel, currentVersion string) *Release {
	wantPrerelease := channel == "dev"
	if channel == "auto" {
		wantPrerelease = strings.Contains(currentVersion, "-")
	}

	var best *Release
	for i := range releases {
		r := &releases[i]
		if channel == "stable" && r.Prerelease {
			continue
		}
		if channel != "stable" && !wantPrerelease && r.Prerelease {
			continue
		}
		if best == nil || isNewer(strings.TrimPrefix(best.TagName, "v"), strings.TrimPrefix(r.TagName, "v")) {
			best = r
		}
	}
	return best
}

func (s *Service) fetchReleases(ctx context.Context) ([]Release, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/releases", githubRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch releases: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release feed returned %s", resp.Status)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("decode release feed: %w", err)
	}
	return releases, nil
}

func (s *Service) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 200<<20))
}

// assetForPlatform picks the release asset matching this build's OS/arch.
func assetForPlatform(rel *Release) (name, url string, err error) {
	osName, err := goosToAssetOS(runtime.GOOS)
	if err != nil {
		return "", "", err
	}
	archName, err := goarchToAssetArch(runtime.GOARCH)
	if err != nil {
		return "", "", err
	}
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		ext = ".zip"
	}
	assetName := fmt.Sprintf("firefrp_%s_%s%s", osName, archName, ext)

	for _, a := range rel.Assets {
		if a.Name == assetName {
			return assetName, a.BrowserDownloadURL, nil
		}
	}
	return "", "", fmt.Errorf("no release asset %q for %s/%s", assetName, runtime.GOOS, runtime.GOARCH)
}

func goosToAssetOS(goos string) (string, error) {
	switch goos {
	case "darwin":
		return "Darwin", nil
	case "linux":
		return "Linux", nil
	case "windows":
		return "Windows", nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

func goarchToAssetArch(goarch string) (string, error) {
	switch goarch {
	case "amd64":
		return "x86_64", nil
	case "arm64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", goarch)
	}
}

// CheckMarker reads and removes a post-update marker at startup (spec
// §4.14 step 9). matched reports whether the marker's version equals
// runningVersion; a mismatched or unreadable marker is treated as stale.
func CheckMarker(installDir, runningVersion string) (matched bool, version string) {
	path := filepath.Join(installDir, markerName)
	data, err := os.ReadFile(path)
	if err != nil {
		return false, ""
	}
	_ = os.Remove(path)

	version = strings.TrimSpace(string(data))
	running := strings.TrimPrefix(runningVersion, "v")
	return version == running, version
}

func writeMarker(dir, version string) error {
	return os.WriteFile(filepath.Join(dir, markerName), []byte(version+"\n"), filePerm)
}

// isNewer returns true when latest > current using simple semver comparison.
func isNewer(current, latest string) bool {
	cp := parseSemver(current)
	lp := parseSemver(latest)
	if cp == nil || lp == nil {
		return latest > current
	}
	for i := 0; i < 3; i++ {
		if lp[i] != cp[i] {
			return lp[i] > cp[i]
		}
	}
	return false
}

func parseSemver(v string) []int {
	v = strings.SplitN(v, "-", 2)[0]
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return nil
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n := 0
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return nil
			}
			n = n*10 + int(ch-'0')
		}
		nums[i] = n
	}
	return nums
}
