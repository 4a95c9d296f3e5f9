package access

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/securedocs/sdap/pkg/errors"
)

// maxBodySize bounds how much of a Dataverse response we read.
const maxBodySize = 1 << 20

// DataverseFetcher loads access records from the Dataverse Web API. The
// HTTP client is expected to carry its own credentials and resilience
// layers; this type only speaks the query protocol.
type DataverseFetcher struct {
	baseURL string
	http    *http.Client
}

// NewDataverseFetcher creates a fetcher against the given environment URL.
func NewDataverseFetcher(baseURL string, client *http.Client) *DataverseFetcher {
	return &DataverseFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// accessRecord matches the Dataverse row shape.
type accessRecord struct {
	UserID       string `json:"sdap_userid"`
	ResourceID   string `json:"sdap_resourceid"`
	Levels       string `json:"sdap_levels"`
	ExplicitDeny bool   `json:"sdap_explicitdeny"`
	Teams        string `json:"sdap_teams"`
	Roles        string `json:"sdap_roles"`
	ModifiedOn   string `json:"modifiedon"`
}

// Fetch implements Fetcher.
func (f *DataverseFetcher) Fetch(ctx context.Context, userID, resourceID string) (*Snapshot, error) {
	query := url.Values{}
	query.Set("$filter", fmt.Sprintf("sdap_userid eq '%s' and sdap_resourceid eq '%s'",
		escapeODataLiteral(userID), escapeODataLiteral(resourceID)))
	query.Set("$top", "1")

	endpoint := f.baseURL + "/api/data/v9.2/sdap_accessrecords?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.New(errors.KindUnknown, "failed to build access query", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, errors.New(errors.KindUnavailable, "access store call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		return nil, errors.New(errors.KindUnavailable,
			fmt.Sprintf("access store returned %d: %s", resp.StatusCode, truncate(string(body), 200)), nil)
	}

	var envelope struct {
		Value []accessRecord `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&envelope); err != nil {
		return nil, errors.New(errors.KindUnavailable, "undecodable access store response", err)
	}

	if len(envelope.Value) == 0 {
		return nil, errors.New(errors.KindNotFound, "no access record", nil)
	}

	return recordToSnapshot(userID, resourceID, &envelope.Value[0]), nil
}

// recordToSnapshot converts a Dataverse row to an immutable snapshot.
func recordToSnapshot(userID, resourceID string, rec *accessRecord) *Snapshot {
	ts := time.Now().UTC()
	if rec.ModifiedOn != "" {
		if parsed, err := time.Parse(time.RFC3339, rec.ModifiedOn); err == nil {
			ts = parsed
		}
	}

	return &Snapshot{
		UserID:          userID,
		ResourceID:      resourceID,
		Levels:          splitList(rec.Levels),
		ExplicitDeny:    rec.ExplicitDeny,
		TeamMemberships: parseTeamGrants(rec.Teams),
		Roles:           splitList(rec.Roles),
		SourceTimestamp: ts,
	}
}

// parseTeamGrants parses the team column. Each comma separated entry is
// "teamID:level|level"; a bare team ID grants read.
func parseTeamGrants(s string) map[string][]string {
	entries := splitList(s)
	if len(entries) == 0 {
		return nil
	}

	out := make(map[string][]string, len(entries))
	for _, entry := range entries {
		team, levels, found := strings.Cut(entry, ":")
		team = strings.TrimSpace(team)
		if team == "" {
			continue
		}
		if !found {
			out[team] = []string{LevelRead}
			continue
		}
		granted := []string{}
		for _, l := range strings.Split(levels, "|") {
			if trimmed := strings.TrimSpace(l); trimmed != "" {
				granted = append(granted, trimmed)
			}
		}
		out[team] = granted
	}
	return out
}

// splitList parses a comma separated column into a clean slice.
func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// escapeODataLiteral doubles single quotes per OData string literal rules.
func escapeODataLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
