package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/protocol"
)

type handlerFunc func(raw json.RawMessage, peer string) any

// Handler dispatches the agent-facing command surface (auth, update,
// logout). Everything but undecodable input is answered with a response
// envelope.
type Handler struct {
	service  *Service
	logger   *zap.Logger
	handlers map[protocol.CommandKind]handlerFunc
}

// NewHandler creates the agent command handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	h := &Handler{service: service, logger: logger}
	h.handlers = map[protocol.CommandKind]handlerFunc{
		protocol.CmdAuth:   h.handleAuth,
		protocol.CmdUpdate: h.handleUpdate,
		protocol.CmdLogout: h.handleLogout,
	}
	return h
}

// Handle decodes the discriminator and dispatches. A non-nil error means the
// message was undecodable and the connection should be dropped.
func (h *Handler) Handle(ctx context.Context, raw []byte, peer string) (any, error) {
	kind, err := protocol.Kind(raw)
	if err != nil {
		h.logger.Warn("Undecodable command", zap.String("peer", peer), zap.Error(err))
		return nil, err
	}

	handler, ok := h.handlers[kind]
	if !ok {
		return protocol.Error(fmt.Sprintf("unknown command %q", kind)), nil
	}
	return handler(raw, peer), nil
}

func (h *Handler) handleAuth(raw json.RawMessage, peer string) any {
	var cmd protocol.AuthCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.AuthFailed(err.Error())
	}

	if !h.service.Auth(cmd.VMID, cmd.Username, cmd.Password, peer) {
		return protocol.AuthFailed("")
	}
	specs, ok := h.service.Info(peer)
	if !ok {
		return protocol.AuthFailed("")
	}
	return protocol.AuthSuccess(specs)
}

func (h *Handler) handleUpdate(raw json.RawMessage, peer string) any {
	var cmd protocol.UpdateClientSpecs
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.VMInfoResponse{Response: protocol.Error(err.Error())}
	}

	if !h.service.UpdateSpecs(peer, cmd.ID, cmd.RAM, cmd.CPU, cmd.Drives) {
		return protocol.VMInfoResponse{Response: protocol.Error("failed to update specs")}
	}
	specs, ok := h.service.Info(peer)
	if !ok {
		return protocol.VMInfoResponse{Response: protocol.Error("failed to update specs")}
	}
	return protocol.VMInfoResponse{Response: protocol.OK(), Data: &specs}
}

func (h *Handler) handleLogout(raw json.RawMessage, peer string) any {
	var cmd protocol.LogoutCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return protocol.AuthFailed(err.Error())
	}

	if !h.service.Logout(peer) {
		return protocol.AuthFailed("not logged in")
	}
	return protocol.LoggedOut()
}
