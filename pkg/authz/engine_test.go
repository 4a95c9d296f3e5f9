package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/securedocs/sdap/pkg/access"
	"github.com/securedocs/sdap/pkg/auth"
)

func testInput(snap *access.Snapshot, operation string) *Input {
	required, _ := RequiredLevel(operation)
	return &Input{
		Principal:     &auth.Principal{UserID: "user-1"},
		Snapshot:      snap,
		Operation:     operation,
		ResourceID:    "res-1",
		RequiredLevel: required,
	}
}

func TestEngine_RuleOrder(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		snap       *access.Snapshot
		operation  string
		wantResult Decision
		wantReason string
	}{
		{
			name:       "no access denies by default",
			snap:       access.Empty("user-1", "res-1"),
			operation:  OpPreviewFile,
			wantResult: Deny,
			wantReason: "NoAccess",
		},
		{
			name:       "explicit grant allows",
			snap:       &access.Snapshot{Levels: []string{access.LevelRead}},
			operation:  OpPreviewFile,
			wantResult: Allow,
			wantReason: "Grant",
		},
		{
			name:       "grant does not cover stronger level",
			snap:       &access.Snapshot{Levels: []string{access.LevelRead}},
			operation:  OpDeleteFile,
			wantResult: Deny,
			wantReason: "NoAccess",
		},
		{
			name:       "stronger grant covers weaker requirement",
			snap:       &access.Snapshot{Levels: []string{access.LevelWrite}},
			operation:  OpPreviewFile,
			wantResult: Allow,
			wantReason: "Grant",
		},
		{
			name:       "share grant covers delete",
			snap:       &access.Snapshot{Levels: []string{access.LevelShare}},
			operation:  OpDeleteFile,
			wantResult: Allow,
			wantReason: "Grant",
		},
		{
			name: "explicit deny beats grant",
			snap: &access.Snapshot{
				Levels:       []string{access.LevelRead, access.LevelWrite},
				ExplicitDeny: true,
			},
			operation:  OpPreviewFile,
			wantResult: Deny,
			wantReason: "ExplicitDeny",
		},
		{
			name: "explicit deny beats admin",
			snap: &access.Snapshot{
				Levels:       []string{access.LevelAdmin},
				ExplicitDeny: true,
			},
			operation:  OpManageContainers,
			wantResult: Deny,
			wantReason: "ExplicitDeny",
		},
		{
			name:       "admin allows any operation",
			snap:       &access.Snapshot{Levels: []string{access.LevelAdmin}},
			operation:  OpDeleteContainer,
			wantResult: Allow,
			wantReason: "Admin",
		},
		{
			name:       "admin role allows like admin level",
			snap:       &access.Snapshot{Roles: []string{"PlatformAdmin"}},
			operation:  OpManagePermissions,
			wantResult: Allow,
			wantReason: "Admin",
		},
		{
			name: "team read grant confers read",
			snap: &access.Snapshot{TeamMemberships: map[string][]string{
				"team-a": {access.LevelRead},
			}},
			operation:  OpListContainers,
			wantResult: Allow,
			wantReason: "Team",
		},
		{
			name: "team read grant does not cover write",
			snap: &access.Snapshot{TeamMemberships: map[string][]string{
				"team-a": {access.LevelRead},
			}},
			operation:  OpUploadFile,
			wantResult: Deny,
			wantReason: "NoAccess",
		},
		{
			name: "team write grant covers write",
			snap: &access.Snapshot{TeamMemberships: map[string][]string{
				"team-a": {access.LevelWrite},
			}},
			operation:  OpUploadFile,
			wantResult: Allow,
			wantReason: "Team",
		},
		{
			name: "team write grant covers read",
			snap: &access.Snapshot{TeamMemberships: map[string][]string{
				"team-a": {access.LevelWrite},
			}},
			operation:  OpPreviewFile,
			wantResult: Allow,
			wantReason: "Team",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := engine.Evaluate(ctx, testInput(tt.snap, tt.operation))
			assert.Equal(t, tt.wantResult, result.Decision)
			assert.Equal(t, tt.wantReason, result.Reason)
		})
	}
}

func TestEngine_PanickingRuleDenies(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{
			Name: "broken",
			Evaluate: func(_ *Input) Result {
				panic("rule bug")
			},
		},
		{
			Name: "never reached",
			Evaluate: func(_ *Input) Result {
				return Result{Decision: Allow, Reason: "Grant"}
			},
		},
	}

	engine := NewEngine(rules)
	result := engine.Evaluate(context.Background(),
		testInput(&access.Snapshot{Levels: []string{access.LevelRead}}, OpPreviewFile))

	assert.Equal(t, Deny, result.Decision)
	assert.Equal(t, "RuleError", result.Reason)
}

func TestEngine_EmptyChainFailsClosed(t *testing.T) {
	t.Parallel()

	engine := NewEngine([]Rule{})
	result := engine.Evaluate(context.Background(),
		testInput(&access.Snapshot{Levels: []string{access.LevelAdmin}}, OpPreviewFile))

	assert.Equal(t, Deny, result.Decision)
	assert.Equal(t, "NoAccess", result.Reason)
}

func TestEngine_AuditLevelDoesNotAffectDecisions(t *testing.T) {
	t.Parallel()

	engine := NewEngine(nil, WithAuditLevel("warn"))

	allowed := engine.Evaluate(context.Background(),
		testInput(&access.Snapshot{Levels: []string{access.LevelRead}}, OpPreviewFile))
	assert.Equal(t, Allow, allowed.Decision)

	denied := engine.Evaluate(context.Background(),
		testInput(access.Empty("user-1", "res-1"), OpDeleteFile))
	assert.Equal(t, Deny, denied.Decision)
}

func TestRequiredLevel(t *testing.T) {
	t.Parallel()

	level, ok := RequiredLevel(OpPreviewFile)
	assert.True(t, ok)
	assert.Equal(t, access.LevelRead, level)

	level, ok = RequiredLevel(OpManageContainers)
	assert.True(t, ok)
	assert.Equal(t, access.LevelAdmin, level)

	_, ok = RequiredLevel("unknown_operation")
	assert.False(t, ok)
}
