// SPDX-License-Identifier: MPL-2.0

// Package registry implements the client for the Soldeer registry API:
// version resolution, authentication and publishing.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/mario-eth/soldeer/internal/config"
)

var (
	// ErrNoVersions is returned when the registry has no revisions for a
	// project.
	ErrNoVersions = errors.New("no versions found for project")

	// ErrNoMatchingVersion is returned when no revision satisfies the
	// version requirement.
	ErrNoMatchingVersion = errors.New("no version matching the requirement")

	// ErrURLNotFound is returned when the registry has no download URL for
	// a resolved version.
	ErrURLNotFound = errors.New("no download URL found for version")
)

type (
	// Error is an unexpected registry response, surfaced verbatim.
	Error struct {
		// Status is the HTTP status code.
		Status int
		// Body is the raw response body.
		Body string
	}

	// Revision is one published version of a project.
	Revision struct {
		// Version is the version string as published.
		Version string `json:"version"`
		// URL is the zip download URL.
		URL string `json:"url"`
		// InternalName is the registry-internal zip path.
		InternalName string `json:"internal_name"`
		// InternalVersion is a monotonically increasing upload counter,
		// used as a tie-breaker for non-semver version lists.
		InternalVersion int64 `json:"internal_version"`
	}

	// Resolved is the outcome of resolving a name and requirement.
	Resolved struct {
		// Version is the original version string from the registry.
		Version string
		// URL is the zip download URL for that version.
		URL string
	}

	// Client talks to a Soldeer registry.
	Client struct {
		runtime *config.Runtime
		http    *http.Client
	}

	revisionResponse struct {
		Data   []Revision `json:"data"`
		Status string     `json:"status"`
	}

	projectResponse struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
		Status string `json:"status"`
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("registry returned status %d: %s", e.Status, e.Body)
}

// NewClient creates a registry client using the process runtime settings.
func NewClient(runtime *config.Runtime) *Client {
	return &Client{
		runtime: runtime,
		http:    &http.Client{Timeout: runtime.HTTPTimeout},
	}
}

// apiURL builds an API endpoint URL with query parameters.
func (c *Client) apiURL(path string, params url.Values) string {
	u := c.runtime.APIURL + "/api/v1/" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// getJSON performs a GET request and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read registry response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode registry response: %w", err)
	}
	return nil
}

// Revisions lists all published revisions of a project, newest first.
func (c *Client) Revisions(ctx context.Context, projectName string) ([]Revision, error) {
	var resp revisionResponse
	u := c.apiURL("revision", url.Values{
		"project_name": {projectName},
		"offset":       {"0"},
		"limit":        {"10000"},
	})
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoVersions, projectName)
	}
	return resp.Data, nil
}

// revisionURL looks up the download URL for one already-resolved version.
func (c *Client) revisionURL(ctx context.Context, projectName, version string) (string, error) {
	var resp revisionResponse
	u := c.apiURL("revision-cli", url.Values{
		"project_name": {projectName},
		"revision":     {version},
	})
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("%w: %s@%s", ErrURLNotFound, projectName, version)
	}
	return resp.Data[0].URL, nil
}

// Resolve finds the best revision for a version requirement.
//
// The full version list is fetched from the revision endpoint; once a
// version is chosen, its download URL is looked up separately. When every
// published version parses as SemVer, the revisions are filtered by the
// requirement and the highest version wins (ties broken by the internal
// upload counter). Legacy projects with non-SemVer versions fall back to
// the revision whose version string equals the requirement, or the one with
// the highest internal counter. The returned version is the original
// registry string.
func (c *Client) Resolve(ctx context.Context, projectName, versionReq string) (Resolved, error) {
	revisions, err := c.Revisions(ctx, projectName)
	if err != nil {
		return Resolved{}, err
	}

	version, err := pickVersion(revisions, projectName, versionReq)
	if err != nil {
		return Resolved{}, err
	}
	downloadURL, err := c.revisionURL(ctx, projectName, version)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Version: version, URL: downloadURL}, nil
}

// pickVersion selects the version satisfying the requirement from the
// published revisions.
func pickVersion(revisions []Revision, projectName, versionReq string) (string, error) {
	parsed := make([]*semver.Version, len(revisions))
	allSemver := true
	for i, rev := range revisions {
		v, err := semver.StrictNewVersion(rev.Version)
		if err != nil {
			allSemver = false
			break
		}
		parsed[i] = v
	}

	if !allSemver {
		// legacy version scheme: exact match or newest upload
		for _, rev := range revisions {
			if rev.Version == versionReq {
				return rev.Version, nil
			}
		}
		best := revisions[0]
		for _, rev := range revisions[1:] {
			if rev.InternalVersion > best.InternalVersion {
				best = rev
			}
		}
		return best.Version, nil
	}

	// a nil constraint (unparseable requirement) accepts every version, so
	// the highest available one wins
	best := highestRevision(revisions, parsed, ParseVersionReq(versionReq))
	if best == nil {
		return "", fmt.Errorf("%w: %s@%s", ErrNoMatchingVersion, projectName, versionReq)
	}
	return best.Version, nil
}

// Latest returns the newest published revision of a project.
func (c *Client) Latest(ctx context.Context, projectName string) (Resolved, error) {
	return c.Resolve(ctx, projectName, "*")
}

// ProjectID looks up the registry-internal ID of a project by name.
func (c *Client) ProjectID(ctx context.Context, projectName string) (string, error) {
	var resp projectResponse
	u := c.apiURL("project", url.Values{"project_name": {projectName}})
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", fmt.Errorf("project %s not found in registry", projectName)
	}
	return resp.Data[0].ID, nil
}

// highestRevision returns the revision with the highest version satisfying
// req (nil req accepts everything). Ties on equal versions are broken by the
// internal upload counter.
func highestRevision(revisions []Revision, parsed []*semver.Version, req *semver.Constraints) *Revision {
	type candidate struct {
		idx int
	}
	var candidates []candidate
	for i := range revisions {
		if req != nil && !req.Check(parsed[i]) {
			continue
		}
		candidates = append(candidates, candidate{idx: i})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		va, vb := parsed[candidates[a].idx], parsed[candidates[b].idx]
		if cmp := va.Compare(vb); cmp != 0 {
			return cmp > 0
		}
		return revisions[candidates[a].idx].InternalVersion > revisions[candidates[b].idx].InternalVersion
	})
	return &revisions[candidates[0].idx]
}

// ParseVersionReq parses a version requirement string. Bare versions mean an
// exact match, `^`/`~`/comparison operators and comma-separated conjunctions
// are supported. Returns nil when the string is not a valid requirement.
func ParseVersionReq(versionReq string) *semver.Constraints {
	req, err := semver.NewConstraint(versionReq)
	if err != nil {
		return nil
	}
	return req
}
