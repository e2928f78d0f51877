package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/observability"
	"github.com/redvm/redvm/pkg/protocol"
)

// handlerFunc handles one decoded command and returns a response envelope.
type handlerFunc func(ctx context.Context, raw json.RawMessage) any

// Handler dispatches management commands to the lifecycle service and
// converts every error escaping it into an error response envelope. Only
// undecodable input terminates the connection; that decision belongs to the
// transport and is signalled by returning an error from Handle.
type Handler struct {
	service  *Service
	logger   *zap.Logger
	handlers map[protocol.CommandKind]handlerFunc
}

// NewHandler creates the manager command handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	h := &Handler{service: service, logger: logger}
	h.handlers = map[protocol.CommandKind]handlerFunc{
		protocol.CmdConnect:     h.handleConnect,
		protocol.CmdLogout:      h.handleLogout,
		protocol.CmdUpdateSpecs: h.handleUpdateSpecs,
		protocol.CmdGetInfo:     h.handleGetInfo,
		protocol.CmdAddDrive:    h.handleAddDrive,
		protocol.CmdRemoveDrive: h.handleRemoveDrive,
		protocol.CmdListVMs:     h.handleListVMs,
		protocol.CmdListDrives:  h.handleListDrives,
		protocol.CmdAddVM:       h.handleAddVM,
	}
	return h
}

// Handle decodes the discriminator and dispatches. A non-nil error means the
// message was not decodable as a command and the connection should be
// dropped.
func (h *Handler) Handle(ctx context.Context, raw []byte, peer string) (any, error) {
	kind, err := protocol.Kind(raw)
	if err != nil {
		h.logger.Warn("Undecodable command",
			zap.String("peer", peer),
			zap.Error(err),
		)
		return nil, err
	}

	handler, ok := h.handlers[kind]
	if !ok {
		observability.CommandsHandledTotal.WithLabelValues(string(kind), "error").Inc()
		return protocol.Error(fmt.Sprintf("unknown command %q", kind)), nil
	}

	start := time.Now()
	resp := handler(ctx, raw)
	observability.CommandDurationSeconds.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	status := "ok"
	if r, ok := resp.(interface{ IsOK() bool }); ok && !r.IsOK() {
		status = "error"
	}
	observability.CommandsHandledTotal.WithLabelValues(string(kind), status).Inc()
	return resp, nil
}

func (h *Handler) handleConnect(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.ConnectCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error())}
	}
	vm, err := h.service.Connect(ctx, cmd.VMID, cmd.Host, cmd.Port, cmd.Username, cmd.Password)
	if err != nil {
		h.logger.Warn("Connect failed", zap.Int64("vm_id", cmd.VMID), zap.Error(err))
		return protocol.VMResponse{Response: protocol.Error(err.Error())}
	}
	return vmResponse(vm)
}

func (h *Handler) handleLogout(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.LogoutClientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error())}
	}
	done, err := h.service.Logout(ctx, cmd.VMID)
	if err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error()), VMID: cmd.VMID}
	}
	if !done {
		// Logout also fails when the VM was never connected; report the
		// actual session state rather than assuming one exists.
		return protocol.VMResponse{
			Response:    protocol.Error("logout failed"),
			VMID:        cmd.VMID,
			IsConnected: h.service.IsConnected(cmd.VMID),
		}
	}
	return protocol.VMResponse{Response: protocol.OK(), VMID: cmd.VMID}
}

func (h *Handler) handleUpdateSpecs(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.UpdateSpecsCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error())}
	}
	vm, err := h.service.UpdateInfo(ctx, cmd.VMID, cmd.RAM, cmd.CPU, cmd.Drives)
	if err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error()), VMID: cmd.VMID}
	}
	return vmResponse(vm)
}

func (h *Handler) handleGetInfo(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.GetInfoCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error())}
	}
	vm, err := h.service.GetInfo(ctx, cmd.VMID)
	if err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error()), VMID: cmd.VMID}
	}
	return vmResponse(vm)
}

// handleAddDrive attaches a drive by funnelling it through UpdateInfo with a
// single zero-id drive, so the agent acknowledgment rules apply to drive
// changes the same as to spec changes.
func (h *Handler) handleAddDrive(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.AddDriveCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.DriveResponse{Response: protocol.Error(err.Error())}
	}
	vm, err := h.service.UpdateInfo(ctx, cmd.VMID, nil, nil, []protocol.HardDrive{{Size: cmd.Size, VMID: cmd.VMID}})
	if err != nil {
		return protocol.DriveResponse{Response: protocol.Error(err.Error()), VMID: cmd.VMID}
	}

	resp := protocol.DriveResponse{
		Response: protocol.OK(),
		Drives:   vm.Specs.HardDrives,
		VMID:     cmd.VMID,
	}
	if n := len(vm.Specs.HardDrives); n > 0 {
		resp.DriveID = vm.Specs.HardDrives[n-1].ID
	}
	return resp
}

// handleRemoveDrive deletes a drive row and reports the VM's remaining
// drives. The removal is a plain store mutation; the agent sees the shrunken
// set on its next spec push.
func (h *Handler) handleRemoveDrive(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.RemoveDriveCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.DriveResponse{Response: protocol.Error(err.Error())}
	}

	owner, err := h.service.RemoveDrive(ctx, cmd.DriveID)
	if err != nil {
		return protocol.DriveResponse{Response: protocol.Error(err.Error()), DriveID: cmd.DriveID}
	}

	remaining, err := h.service.ListDrives(ctx, &owner)
	if err != nil {
		return protocol.DriveResponse{Response: protocol.Error(err.Error()), DriveID: cmd.DriveID}
	}
	return protocol.DriveResponse{
		Response: protocol.OK(),
		DriveID:  cmd.DriveID,
		Drives:   remaining,
		VMID:     owner,
	}
}

func (h *Handler) handleListVMs(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.ListVMsCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.VMListResponse{Response: protocol.Error(err.Error()), VMs: []protocol.VMResponse{}}
	}

	var (
		vms []VM
		err error
	)
	switch cmd.ListType {
	case "connected":
		vms, err = h.service.ListConnected(ctx)
	case "authenticated":
		vms, err = h.service.ListAuthenticated(ctx)
	default:
		vms, err = h.service.ListVMs(ctx)
	}
	if err != nil {
		return protocol.VMListResponse{Response: protocol.Error(err.Error()), VMs: []protocol.VMResponse{}}
	}

	out := make([]protocol.VMResponse, 0, len(vms))
	for i := range vms {
		out = append(out, vmResponse(&vms[i]))
	}
	return protocol.VMListResponse{Response: protocol.OK(), VMs: out}
}

func (h *Handler) handleListDrives(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.ListDrivesCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.ListDrivesResponse{Response: protocol.Error(err.Error()), Drives: []protocol.HardDrive{}}
	}
	drives, err := h.service.ListDrives(ctx, cmd.VMID)
	if err != nil {
		return protocol.ListDrivesResponse{Response: protocol.Error(err.Error()), Drives: []protocol.HardDrive{}}
	}
	if drives == nil {
		drives = []protocol.HardDrive{}
	}
	return protocol.ListDrivesResponse{Response: protocol.OK(), Drives: drives}
}

func (h *Handler) handleAddVM(ctx context.Context, raw json.RawMessage) any {
	var cmd protocol.AddVMCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error())}
	}
	if err := cmd.Validate(); err != nil {
		return protocol.VMResponse{Response: protocol.Error((&ValidationError{Reason: err.Error()}).Error())}
	}

	drives := cmd.Drives
	if drives == nil {
		drives = []protocol.HardDrive{{Size: protocol.DefaultDriveSizeGB}}
	}
	vm, err := h.service.Create(ctx, cmd.RAM, cmd.CPU, drives)
	if err != nil {
		return protocol.VMResponse{Response: protocol.Error(err.Error())}
	}
	return vmResponse(vm)
}

func vmResponse(vm *VM) protocol.VMResponse {
	specs := vm.Specs
	return protocol.VMResponse{
		Response:       protocol.OK(),
		VMID:           specs.ID,
		Data:           &specs,
		LastConnection: vm.LastConnected,
		IsConnected:    vm.Connected,
	}
}
