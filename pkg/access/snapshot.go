// Package access loads per-user access data and serves it as immutable
// snapshots with a bounded staleness window.
package access

import (
	"time"
)

// Access levels, ordered weakest to strongest. A stronger level satisfies
// any weaker requirement.
const (
	LevelNone   = "none"
	LevelRead   = "read"
	LevelWrite  = "write"
	LevelDelete = "delete"
	LevelShare  = "share"
	LevelAdmin  = "admin"
)

// levelRank orders the levels for comparison. Unknown levels rank at -1 so
// they never satisfy anything.
var levelRank = map[string]int{
	LevelNone:   0,
	LevelRead:   1,
	LevelWrite:  2,
	LevelDelete: 3,
	LevelShare:  4,
	LevelAdmin:  5,
}

func rank(level string) int {
	if r, ok := levelRank[level]; ok {
		return r
	}
	return -1
}

// Snapshot is one user's access state for one resource at a point in time.
// It is built once by the data source and never mutated afterwards; rule
// evaluation works on this stable view even if the backing store changes
// mid-request.
type Snapshot struct {
	// UserID is the principal the snapshot describes.
	UserID string `json:"userId"`

	// ResourceID is the resource the snapshot describes.
	ResourceID string `json:"resourceId"`

	// Levels is the set of granted access levels.
	Levels []string `json:"levels"`

	// ExplicitDeny marks the user as blocked for this resource regardless
	// of any grants.
	ExplicitDeny bool `json:"explicitDeny"`

	// TeamMemberships maps each team the user belongs to onto the levels
	// that team grants for this resource.
	TeamMemberships map[string][]string `json:"teamMemberships,omitempty"`

	// Roles lists directory roles held by the user.
	Roles []string `json:"roles,omitempty"`

	// SourceTimestamp records when the backing store produced this data.
	SourceTimestamp time.Time `json:"sourceTimestamp"`
}

// Empty returns the snapshot for a user with no access record: no levels,
// no deny, no memberships.
func Empty(userID, resourceID string) *Snapshot {
	return &Snapshot{
		UserID:          userID,
		ResourceID:      resourceID,
		Levels:          []string{},
		SourceTimestamp: time.Now().UTC(),
	}
}

// HasLevel reports whether the snapshot carries the exact level.
func (s *Snapshot) HasLevel(level string) bool {
	for _, l := range s.Levels {
		if l == level {
			return true
		}
	}
	return false
}

// Grants reports whether the snapshot carries the level or a stronger one.
func (s *Snapshot) Grants(level string) bool {
	required := rank(level)
	if required < 0 {
		return false
	}
	for _, l := range s.Levels {
		if rank(l) >= required {
			return true
		}
	}
	return false
}

// TeamGrants reports whether any team the user belongs to grants the level
// or a stronger one for this resource.
func (s *Snapshot) TeamGrants(level string) bool {
	required := rank(level)
	if required < 0 {
		return false
	}
	for _, levels := range s.TeamMemberships {
		for _, l := range levels {
			if rank(l) >= required {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports whether the snapshot carries the admin level or an
// administrative role.
func (s *Snapshot) IsAdmin() bool {
	if s.HasLevel(LevelAdmin) {
		return true
	}
	for _, role := range s.Roles {
		if role == "PlatformAdmin" {
			return true
		}
	}
	return false
}

// InTeam reports whether the user belongs to the given team.
func (s *Snapshot) InTeam(teamID string) bool {
	_, ok := s.TeamMemberships[teamID]
	return ok
}
