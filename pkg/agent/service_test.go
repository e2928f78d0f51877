package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/protocol"
)

func newTestService(t *testing.T, vmID int64) *Service {
	t.Helper()
	svc, err := NewService(Config{
		VMID:     vmID,
		Username: "admin",
		Password: "secret",
		Specs: protocol.VMSpecs{
			RAM: 2,
			CPU: 2,
			HardDrives: []protocol.HardDrive{
				{ID: 1, Size: 4},
			},
		},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return svc
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid",
			config: Config{
				Username: "admin",
				Password: "secret",
				Specs:    protocol.VMSpecs{RAM: 1, CPU: 1},
				Logger:   zap.NewNop(),
			},
		},
		{
			name: "missing username",
			config: Config{
				Password: "secret",
				Specs:    protocol.VMSpecs{RAM: 1, CPU: 1},
				Logger:   zap.NewNop(),
			},
			wantErr: "username is required",
		},
		{
			name: "missing password",
			config: Config{
				Username: "admin",
				Specs:    protocol.VMSpecs{RAM: 1, CPU: 1},
				Logger:   zap.NewNop(),
			},
			wantErr: "password is required",
		},
		{
			name: "zero ram",
			config: Config{
				Username: "admin",
				Password: "secret",
				Specs:    protocol.VMSpecs{CPU: 1},
				Logger:   zap.NewNop(),
			},
			wantErr: "ram must be positive",
		},
		{
			name: "missing logger",
			config: Config{
				Username: "admin",
				Password: "secret",
				Specs:    protocol.VMSpecs{RAM: 1, CPU: 1},
			},
			wantErr: "logger is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestAuth(t *testing.T) {
	svc := newTestService(t, 7)

	assert.False(t, svc.Auth(7, "admin", "wrong", "peer1"))
	assert.False(t, svc.Authorized("peer1"))

	assert.True(t, svc.Auth(7, "admin", "secret", "peer1"))
	assert.True(t, svc.Authorized("peer1"))

	// A different id than the established one fails even with good
	// credentials.
	assert.False(t, svc.Auth(8, "admin", "secret", "peer2"))
	assert.False(t, svc.Authorized("peer2"))
}

func TestAuthAdoptsIdentity(t *testing.T) {
	svc := newTestService(t, 0)

	require.True(t, svc.Auth(42, "admin", "secret", "peer1"))
	specs, ok := svc.Info("peer1")
	require.True(t, ok)
	assert.Equal(t, int64(42), specs.ID)

	// Identity is sticky once adopted.
	assert.False(t, svc.Auth(43, "admin", "secret", "peer2"))
}

func TestInfoRequiresAuthorization(t *testing.T) {
	svc := newTestService(t, 7)

	_, ok := svc.Info("stranger")
	assert.False(t, ok)
}

func TestUpdateSpecs(t *testing.T) {
	svc := newTestService(t, 7)
	require.True(t, svc.Auth(7, "admin", "secret", "peer1"))

	ram := 8
	require.True(t, svc.UpdateSpecs("peer1", nil, &ram, nil, nil))

	specs, ok := svc.Info("peer1")
	require.True(t, ok)
	assert.Equal(t, 8, specs.RAM)
	assert.Equal(t, 2, specs.CPU)
	assert.Len(t, specs.HardDrives, 1)

	drives := []protocol.HardDrive{{ID: 1, Size: 4}, {ID: 2, Size: 16}}
	require.True(t, svc.UpdateSpecs("peer1", nil, nil, nil, drives))
	specs, _ = svc.Info("peer1")
	assert.Len(t, specs.HardDrives, 2)
}

func TestUpdateSpecsRejectsConflictingID(t *testing.T) {
	svc := newTestService(t, 7)
	require.True(t, svc.Auth(7, "admin", "secret", "peer1"))

	other := int64(9)
	assert.False(t, svc.UpdateSpecs("peer1", &other, nil, nil, nil))
}

func TestUpdateSpecsUnauthorized(t *testing.T) {
	svc := newTestService(t, 7)
	ram := 8
	assert.False(t, svc.UpdateSpecs("stranger", nil, &ram, nil, nil))
}

func TestLogout(t *testing.T) {
	svc := newTestService(t, 7)
	require.True(t, svc.Auth(7, "admin", "secret", "peer1"))

	assert.True(t, svc.Logout("peer1"))
	assert.False(t, svc.Authorized("peer1"))
	assert.False(t, svc.Logout("peer1"))
}

func TestHandlerAuthFlow(t *testing.T) {
	svc := newTestService(t, 7)
	h := NewHandler(svc, zap.NewNop())
	ctx := context.Background()

	raw, err := json.Marshal(protocol.NewAuthCommand(7, "admin", "secret"))
	require.NoError(t, err)
	resp, err := h.Handle(ctx, raw, "peer1")
	require.NoError(t, err)
	auth, ok := resp.(protocol.AuthResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusOK, auth.Status)
	require.NotNil(t, auth.Specs)
	assert.Equal(t, int64(7), auth.Specs.ID)

	raw, err = json.Marshal(protocol.NewAuthCommand(7, "admin", "wrong"))
	require.NoError(t, err)
	resp, err = h.Handle(ctx, raw, "peer2")
	require.NoError(t, err)
	auth = resp.(protocol.AuthResponse)
	assert.Equal(t, protocol.StatusError, auth.Status)
}

func TestHandlerUpdate(t *testing.T) {
	svc := newTestService(t, 7)
	h := NewHandler(svc, zap.NewNop())
	ctx := context.Background()

	ram := 16
	raw, err := json.Marshal(protocol.UpdateClientSpecs{Command: protocol.CmdUpdate, RAM: &ram})
	require.NoError(t, err)

	// Unauthorized peers cannot push updates.
	resp, err := h.Handle(ctx, raw, "stranger")
	require.NoError(t, err)
	info := resp.(protocol.VMInfoResponse)
	assert.Equal(t, protocol.StatusError, info.Status)

	require.True(t, svc.Auth(7, "admin", "secret", "peer1"))
	resp, err = h.Handle(ctx, raw, "peer1")
	require.NoError(t, err)
	info = resp.(protocol.VMInfoResponse)
	assert.Equal(t, protocol.StatusOK, info.Status)
	require.NotNil(t, info.Data)
	assert.Equal(t, 16, info.Data.RAM)
}

func TestHandlerLogout(t *testing.T) {
	svc := newTestService(t, 7)
	h := NewHandler(svc, zap.NewNop())
	ctx := context.Background()

	require.True(t, svc.Auth(7, "admin", "secret", "peer1"))

	raw, err := json.Marshal(protocol.NewLogoutCommand())
	require.NoError(t, err)
	resp, err := h.Handle(ctx, raw, "peer1")
	require.NoError(t, err)
	auth := resp.(protocol.AuthResponse)
	assert.Equal(t, protocol.StatusOK, auth.Status)

	resp, err = h.Handle(ctx, raw, "peer1")
	require.NoError(t, err)
	auth = resp.(protocol.AuthResponse)
	assert.Equal(t, protocol.StatusError, auth.Status)
}

func TestHandlerUnknownCommand(t *testing.T) {
	svc := newTestService(t, 7)
	h := NewHandler(svc, zap.NewNop())

	resp, err := h.Handle(context.Background(), []byte(`{"command":"bogus"}`), "peer1")
	require.NoError(t, err)
	base := resp.(protocol.Response)
	assert.Equal(t, protocol.StatusError, base.Status)

	_, err = h.Handle(context.Background(), []byte(`not json`), "peer1")
	assert.Error(t, err)
}
