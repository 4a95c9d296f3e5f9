package auth

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimsToPrincipal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		wantErr bool
		check   func(t *testing.T, p *Principal)
	}{
		{
			name: "full claims",
			claims: jwt.MapClaims{
				"sub":   "user-1",
				"name":  "Alex Doe",
				"roles": []any{"admin", "reader"},
			},
			check: func(t *testing.T, p *Principal) {
				assert.Equal(t, "user-1", p.UserID)
				assert.Equal(t, "Alex Doe", p.DisplayName)
				assert.Equal(t, []string{"admin", "reader"}, p.ClaimStrings("roles"))
			},
		},
		{
			name:   "sub only",
			claims: jwt.MapClaims{"sub": "user-2"},
			check: func(t *testing.T, p *Principal) {
				assert.Equal(t, "user-2", p.UserID)
				assert.Empty(t, p.DisplayName)
			},
		},
		{
			name:    "missing sub",
			claims:  jwt.MapClaims{"name": "No Subject"},
			wantErr: true,
		},
		{
			name:    "empty sub",
			claims:  jwt.MapClaims{"sub": ""},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p, err := PrincipalFromClaims(tc.claims, "raw-token")
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "raw-token", p.Assertion)
			tc.check(t, p)
		})
	}
}

func TestPrincipal_Redaction(t *testing.T) {
	t.Parallel()

	p := &Principal{UserID: "u1", Assertion: "super-secret-token"}

	assert.NotContains(t, p.String(), "super-secret-token")

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret-token")
	assert.Contains(t, string(data), "REDACTED")
}

func TestPrincipal_ClaimStrings(t *testing.T) {
	t.Parallel()

	p := &Principal{
		UserID: "u1",
		Claims: map[string]any{
			"single": "one",
			"many":   []any{"a", "b", 3},
			"typed":  []string{"x", "y"},
			"odd":    42,
		},
	}

	assert.Equal(t, []string{"one"}, p.ClaimStrings("single"))
	assert.Equal(t, []string{"a", "b"}, p.ClaimStrings("many"))
	assert.Equal(t, []string{"x", "y"}, p.ClaimStrings("typed"))
	assert.Nil(t, p.ClaimStrings("odd"))
	assert.Nil(t, p.ClaimStrings("missing"))
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, ok := PrincipalFromContext(ctx)
	assert.False(t, ok)

	// nil principal leaves the context untouched
	assert.Equal(t, ctx, WithPrincipal(ctx, nil))

	p := &Principal{UserID: "u1"}
	got, ok := PrincipalFromContext(WithPrincipal(ctx, p))
	require.True(t, ok)
	assert.Same(t, p, got)
}
