// Package autoupdate checks GitHub releases for a newer qrscan build.
package autoupdate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ReleaseChannel defines which releases to check for
type ReleaseChannel string

const (
	ChannelStable     ReleaseChannel = "stable"     // Only stable releases
	ChannelPrerelease ReleaseChannel = "prerelease" // Stable + pre-releases (beta, rc)
)

// Release represents a GitHub release
type Release struct {
	TagName    string    `json:"tag_name"`
	Name       string    `json:"name"`
	HTMLURL    string    `json:"html_url"`
	Published  time.Time `json:"published_at"`
	Prerelease bool      `json:"prerelease"`
	Draft      bool      `json:"draft"`
}

// Checker compares the running version with the latest published release.
type Checker struct {
	apiURL         string
	currentVersion string
	channel        ReleaseChannel
	client         *http.Client
}

// NewChecker creates a checker for github.com/<owner>/<repo>.
func NewChecker(owner, repo, currentVersion string) *Checker {
	return &Checker{
		apiURL:         fmt.Sprintf("https://api.github.com/repos/%s/%s", owner, repo),
		currentVersion: currentVersion,
		channel:        ChannelStable,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

// SetChannel sets the release channel for this checker
func (c *Checker) SetChannel(channel ReleaseChannel) {
	c.channel = channel
}

// SetAPIURL points the checker at another releases API root.
func (c *Checker) SetAPIURL(url string) {
	c.apiURL = strings.TrimSuffix(url, "/")
}

// Latest returns the newest non-draft release in the channel.
func (c *Checker) Latest(ctx context.Context) (*Release, error) {
	if c.channel == ChannelStable {
		var release Release
		if err := c.get(ctx, "/releases/latest", &release); err != nil {
			return nil, err
		}
		return &release, nil
	}

	var releases []Release
	if err := c.get(ctx, "/releases?per_page=30", &releases); err != nil {
		return nil, err
	}
	for i := range releases {
		if !releases[i].Draft {
			return &releases[i], nil
		}
	}
	return nil, fmt.Errorf("no releases found matching channel %s", c.channel)
}

// IsUpdateAvailable reports whether Latest is newer than the running
// version. Development builds ("dev") never report an update.
func (c *Checker) IsUpdateAvailable(ctx context.Context) (bool, *Release, error) {
	current := normalizeVersion(c.currentVersion)
	if current == "dev" || current == "" {
		return false, nil, nil
	}

	release, err := c.Latest(ctx)
	if err != nil {
		return false, nil, err
	}
	if isNewer(normalizeVersion(release.TagName), current) {
		return true, release, nil
	}
	return false, nil, nil
}

func (c *Checker) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch releases: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Warning: failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github API returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to parse releases: %w", err)
	}
	return nil
}

// git describe suffixes: -<n>-g<sha> and -dirty
var describeSuffix = regexp.MustCompile(`(-\d+-g[0-9a-f]+)?(-dirty)?$`)

// normalizeVersion strips a leading v and git describe suffixes.
func normalizeVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	return describeSuffix.ReplaceAllString(v, "")
}

// isNewer checks if version1 > version2 by numeric major.minor.patch.
// A pre-release tag does not count against a version.
func isNewer(version1, version2 string) bool {
	parts1 := strings.Split(version1, ".")
	parts2 := strings.Split(version2, ".")

	for i := 0; i < len(parts1) && i < len(parts2); i++ {
		var v1, v2 int
		if _, err := fmt.Sscanf(parts1[i], "%d", &v1); err != nil {
			v1 = 0
		}
		if _, err := fmt.Sscanf(parts2[i], "%d", &v2); err != nil {
			v2 = 0
		}
		if v1 != v2 {
			return v1 > v2
		}
	}
	return len(parts1) > len(parts2)
}
