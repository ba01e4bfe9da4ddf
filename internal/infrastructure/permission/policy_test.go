package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/port"
)

func TestPolicy_Allowed(t *testing.T) {
	policy, err := NewPolicy(nil, zap.NewNop())
	require.NoError(t, err)

	admin := &port.Principal{UserRef: "user:default/admin"}
	groupAdmin := &port.Principal{
		UserRef:       "user:default/bob",
		OwnershipRefs: []string{"user:default/bob", "group:default/admins"},
	}
	regular := &port.Principal{
		UserRef:       "user:default/alice",
		OwnershipRefs: []string{"group:default/dev"},
	}

	tests := []struct {
		name      string
		principal *port.Principal
		action    string
		want      bool
	}{
		{"admin create", admin, ActionCreate, true},
		{"admin delete", admin, ActionDelete, true},
		{"group admin create", groupAdmin, ActionCreate, true},
		{"regular read", regular, ActionRead, true},
		{"regular update", regular, ActionUpdate, true},
		{"regular delete", regular, ActionDelete, true},
		{"regular create", regular, ActionCreate, false},
		{"nil principal", nil, ActionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := policy.Allowed(tt.principal, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy_CustomAdminRefs(t *testing.T) {
	policy, err := NewPolicy([]string{"group:default/platform"}, zap.NewNop())
	require.NoError(t, err)

	platform := &port.Principal{UserRef: "user:default/eve", OwnershipRefs: []string{"group:default/platform"}}
	ok, err := policy.Allowed(platform, ActionCreate)
	require.NoError(t, err)
	assert.True(t, ok)

	defaultAdmin := &port.Principal{UserRef: "user:default/admin"}
	ok, err = policy.Allowed(defaultAdmin, ActionCreate)
	require.NoError(t, err)
	assert.False(t, ok)
}
