package manager

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/protocol"
)

func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	svc, _ := newTestServiceWithStore(t)
	return NewHandler(svc, zap.NewNop()), svc
}

func TestHandlerUndecodableInput(t *testing.T) {
	h, _ := newTestHandler(t)

	_, err := h.Handle(context.Background(), []byte(`not json`), "peer")
	assert.Error(t, err)

	_, err = h.Handle(context.Background(), []byte(`{"no_command":true}`), "peer")
	assert.Error(t, err)
}

func TestHandlerUnknownCommand(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.Handle(context.Background(), []byte(`{"command":"reboot"}`), "peer")
	require.NoError(t, err)
	base := resp.(protocol.Response)
	assert.Equal(t, protocol.StatusError, base.Status)
	assert.Contains(t, base.Message, "unknown command")
}

func TestHandlerAddVM(t *testing.T) {
	h, _ := newTestHandler(t)

	raw := []byte(`{"command":"add_vm","ram":2,"cpu":4,"hds":[{"size":10}]}`)
	resp, err := h.Handle(context.Background(), raw, "peer")
	require.NoError(t, err)

	vm := resp.(protocol.VMResponse)
	assert.Equal(t, protocol.StatusOK, vm.Status)
	require.NotNil(t, vm.Data)
	assert.Equal(t, 2, vm.Data.RAM)
	assert.Equal(t, 4, vm.Data.CPU)
	require.Len(t, vm.Data.HardDrives, 1)
	assert.Equal(t, 10, vm.Data.HardDrives[0].Size)
}

func TestHandlerAddVMDefaultDrive(t *testing.T) {
	h, _ := newTestHandler(t)

	raw := []byte(`{"command":"add_vm","ram":1,"cpu":1}`)
	resp, err := h.Handle(context.Background(), raw, "peer")
	require.NoError(t, err)

	vm := resp.(protocol.VMResponse)
	require.Equal(t, protocol.StatusOK, vm.Status)
	require.Len(t, vm.Data.HardDrives, 1)
	assert.Equal(t, protocol.DefaultDriveSizeGB, vm.Data.HardDrives[0].Size)
}

func TestHandlerAddVMValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	raw := []byte(`{"command":"add_vm","ram":0,"cpu":1}`)
	resp, err := h.Handle(context.Background(), raw, "peer")
	require.NoError(t, err)

	vm := resp.(protocol.VMResponse)
	assert.Equal(t, protocol.StatusError, vm.Status)
	assert.Contains(t, vm.Message, "ram must be positive")
}

func TestHandlerGetInfo(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, 2, 2, []protocol.HardDrive{{Size: 4}})
	require.NoError(t, err)

	raw, err := json.Marshal(protocol.GetInfoCommand{Command: protocol.CmdGetInfo, VMID: created.Specs.ID})
	require.NoError(t, err)
	resp, err := h.Handle(ctx, raw, "peer")
	require.NoError(t, err)

	vm := resp.(protocol.VMResponse)
	assert.Equal(t, protocol.StatusOK, vm.Status)
	assert.Equal(t, created.Specs.ID, vm.VMID)
	assert.False(t, vm.IsConnected)

	// An unknown id yields an error envelope, not a dropped connection.
	raw, err = json.Marshal(protocol.GetInfoCommand{Command: protocol.CmdGetInfo, VMID: 999})
	require.NoError(t, err)
	resp, err = h.Handle(ctx, raw, "peer")
	require.NoError(t, err)
	vm = resp.(protocol.VMResponse)
	assert.Equal(t, protocol.StatusError, vm.Status)
}

func TestHandlerUpdateSpecsNotConnected(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, 2, 2, nil)
	require.NoError(t, err)

	ram := 8
	raw, err := json.Marshal(protocol.UpdateSpecsCommand{
		Command: protocol.CmdUpdateSpecs,
		VMID:    created.Specs.ID,
		RAM:     &ram,
	})
	require.NoError(t, err)
	resp, err := h.Handle(ctx, raw, "peer")
	require.NoError(t, err)

	vm := resp.(protocol.VMResponse)
	assert.Equal(t, protocol.StatusError, vm.Status)
	assert.Contains(t, vm.Message, "not connected")
}

func TestHandlerLogoutNotConnected(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, 1, 1, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(protocol.LogoutClientCommand{Command: protocol.CmdLogout, VMID: created.Specs.ID})
	require.NoError(t, err)
	resp, err := h.Handle(ctx, raw, "peer")
	require.NoError(t, err)

	vm := resp.(protocol.VMResponse)
	assert.Equal(t, protocol.StatusError, vm.Status)
	assert.False(t, vm.IsConnected, "a VM that never connected must not report a session")
}

func TestHandlerListVMs(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, 1, 1, nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, 2, 2, nil)
	require.NoError(t, err)

	resp, err := h.Handle(ctx, []byte(`{"command":"list_vms"}`), "peer")
	require.NoError(t, err)
	list := resp.(protocol.VMListResponse)
	assert.Equal(t, protocol.StatusOK, list.Status)
	assert.Len(t, list.VMs, 2)

	resp, err = h.Handle(ctx, []byte(`{"command":"list_vms","list_type":"connected"}`), "peer")
	require.NoError(t, err)
	list = resp.(protocol.VMListResponse)
	assert.Equal(t, protocol.StatusOK, list.Status)
	assert.Empty(t, list.VMs)
}

func TestHandlerListDrives(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	vm1, err := svc.Create(ctx, 1, 1, []protocol.HardDrive{{Size: 4}})
	require.NoError(t, err)
	_, err = svc.Create(ctx, 1, 1, []protocol.HardDrive{{Size: 8}})
	require.NoError(t, err)

	resp, err := h.Handle(ctx, []byte(`{"command":"list_drives"}`), "peer")
	require.NoError(t, err)
	list := resp.(protocol.ListDrivesResponse)
	assert.Equal(t, protocol.StatusOK, list.Status)
	assert.Len(t, list.Drives, 2)

	raw, err := json.Marshal(protocol.ListDrivesCommand{Command: protocol.CmdListDrives, VMID: &vm1.Specs.ID})
	require.NoError(t, err)
	resp, err = h.Handle(ctx, raw, "peer")
	require.NoError(t, err)
	list = resp.(protocol.ListDrivesResponse)
	require.Len(t, list.Drives, 1)
	assert.Equal(t, 4, list.Drives[0].Size)
}

func TestHandlerRemoveDrive(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	vm, err := svc.Create(ctx, 1, 1, []protocol.HardDrive{{Size: 4}, {Size: 8}})
	require.NoError(t, err)
	driveID := vm.Specs.HardDrives[0].ID

	raw, err := json.Marshal(protocol.RemoveDriveCommand{Command: protocol.CmdRemoveDrive, DriveID: driveID})
	require.NoError(t, err)
	resp, err := h.Handle(ctx, raw, "peer")
	require.NoError(t, err)

	dr := resp.(protocol.DriveResponse)
	assert.Equal(t, protocol.StatusOK, dr.Status)
	assert.Equal(t, driveID, dr.DriveID)
	assert.Equal(t, vm.Specs.ID, dr.VMID)
	require.Len(t, dr.Drives, 1)
	assert.Equal(t, 8, dr.Drives[0].Size)
}

func TestHandlerConnectThroughWire(t *testing.T) {
	h, _ := newTestHandler(t)
	host, port := startAgent(t, 0, "admin", "secret")

	raw, err := json.Marshal(protocol.NewConnectCommand(0, host, port, "admin", "secret"))
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), raw, "peer")
	require.NoError(t, err)

	vm := resp.(protocol.VMResponse)
	assert.Equal(t, protocol.StatusOK, vm.Status)
	assert.True(t, vm.IsConnected)
	require.NotNil(t, vm.Data)
	assert.Equal(t, 1, vm.Data.RAM)
	require.NotNil(t, vm.LastConnection)
}
