package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/observability"
	"github.com/redvm/redvm/pkg/protocol"
)

// RegistryConfig holds session registry configuration.
type RegistryConfig struct {
	// DialTimeout bounds establishing a socket to an agent.
	DialTimeout time.Duration

	// RoundTripTimeout bounds one command/response exchange with an agent.
	// Expiry is treated as acknowledgment failure by callers.
	RoundTripTimeout time.Duration
}

// Validate applies defaults.
func (c *RegistryConfig) Validate() error {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RoundTripTimeout <= 0 {
		c.RoundTripTimeout = 10 * time.Second
	}
	return nil
}

// session is one open, possibly-authenticated socket to an agent. Its mutex
// serializes round-trips so concurrent callers cannot interleave frames.
type session struct {
	mu            sync.Mutex
	conn          *protocol.Conn
	authenticated bool
}

// Registry tracks the set of currently-open agent connections and their
// authentication status. It owns opening sockets, running the auth
// handshake, and closing them. A VM id is present iff a socket to its agent
// is open; authenticated implies open, never the reverse.
type Registry struct {
	config RegistryConfig
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[int64]*session
}

// NewRegistry creates a session registry.
func NewRegistry(config RegistryConfig, logger *zap.Logger) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Registry{
		config:   config,
		logger:   logger,
		sessions: make(map[int64]*session),
	}, nil
}

// Connect opens a socket to the agent at host:port and registers the session
// under vmID. It does not authenticate. An existing session for vmID is
// closed and replaced.
func (r *Registry) Connect(ctx context.Context, vmID int64, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	timeout := r.config.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	conn, err := protocol.Dial(addr, timeout)
	if err != nil {
		return &ConnectionError{VMID: vmID, Addr: addr, Err: err}
	}

	r.mu.Lock()
	if old, ok := r.sessions[vmID]; ok {
		old.conn.Close()
		observability.OpenSessions.Dec()
		r.logger.Warn("Replacing existing agent session", zap.Int64("vm_id", vmID))
	}
	r.sessions[vmID] = &session{conn: conn}
	r.mu.Unlock()

	observability.OpenSessions.Inc()
	r.logger.Info("Agent session opened",
		zap.Int64("vm_id", vmID),
		zap.String("addr", addr),
	)
	return nil
}

// Authenticate sends an auth command over the existing session for vmID and
// waits for one response. Any response other than an explicit ok status is
// authentication failure. Requires an open session.
func (r *Registry) Authenticate(ctx context.Context, vmID int64, username, password string) (bool, error) {
	sess, ok := r.session(vmID)
	if !ok {
		return false, &ConnectionError{VMID: vmID}
	}

	resp, err := r.roundTrip(ctx, sess, vmID, protocol.CmdAuth, protocol.NewAuthCommand(vmID, username, password))
	if err != nil {
		return false, err
	}
	if !resp.IsOK() {
		r.logger.Warn("Agent rejected authentication",
			zap.Int64("vm_id", vmID),
			zap.String("message", resp.Message),
		)
		return false, nil
	}

	sess.mu.Lock()
	sess.authenticated = true
	sess.mu.Unlock()

	r.logger.Info("Agent authenticated", zap.Int64("vm_id", vmID))
	return true, nil
}

// Logout sends a logout command and clears the authenticated flag on
// success. The socket stays open either way; disconnection is a separate
// operation.
func (r *Registry) Logout(ctx context.Context, vmID int64) (bool, error) {
	sess, ok := r.session(vmID)
	if !ok {
		return false, &ConnectionError{VMID: vmID}
	}

	resp, err := r.roundTrip(ctx, sess, vmID, protocol.CmdLogout, protocol.NewLogoutCommand())
	if err != nil {
		return false, err
	}
	if !resp.IsOK() {
		return false, nil
	}

	sess.mu.Lock()
	sess.authenticated = false
	sess.mu.Unlock()

	r.logger.Info("Agent session logged out", zap.Int64("vm_id", vmID))
	return true, nil
}

// UpdateSpecs pushes a spec change to the agent and blocks for its
// acknowledgment. Returns (false, nil) when the agent explicitly rejects.
func (r *Registry) UpdateSpecs(ctx context.Context, vmID int64, cmd protocol.UpdateClientSpecs) (bool, error) {
	sess, ok := r.session(vmID)
	if !ok {
		return false, &ConnectionError{VMID: vmID}
	}

	resp, err := r.roundTrip(ctx, sess, vmID, protocol.CmdUpdate, cmd)
	if err != nil {
		return false, err
	}
	if !resp.IsOK() {
		r.logger.Warn("Agent rejected spec update",
			zap.Int64("vm_id", vmID),
			zap.String("message", resp.Message),
		)
		return false, nil
	}
	return true, nil
}

// Disconnect closes the socket and removes the session. Returns false when
// no session exists; never an error.
func (r *Registry) Disconnect(vmID int64) bool {
	r.mu.Lock()
	sess, ok := r.sessions[vmID]
	if ok {
		delete(r.sessions, vmID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	sess.conn.Close()
	observability.OpenSessions.Dec()
	r.logger.Info("Agent session closed", zap.Int64("vm_id", vmID))
	return true
}

// Connected returns a snapshot of VM ids with an open session.
func (r *Registry) Connected() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Authenticated returns a snapshot of VM ids with an authenticated session.
func (r *Registry) Authenticated() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []int64
	for id, sess := range r.sessions {
		sess.mu.Lock()
		authed := sess.authenticated
		sess.mu.Unlock()
		if authed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Has reports whether an open session exists for vmID.
func (r *Registry) Has(vmID int64) bool {
	_, ok := r.session(vmID)
	return ok
}

// Close tears down every session. Used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int64]*session)
	r.mu.Unlock()

	for vmID, sess := range sessions {
		sess.conn.Close()
		observability.OpenSessions.Dec()
		r.logger.Debug("Agent session closed on shutdown", zap.Int64("vm_id", vmID))
	}
}

// dropSession removes and closes a session after a transport failure. The
// identity check guards against tearing down a replacement session that
// Connect registered under the same id in the meantime.
func (r *Registry) dropSession(vmID int64, sess *session) {
	r.mu.Lock()
	cur, ok := r.sessions[vmID]
	if ok && cur == sess {
		delete(r.sessions, vmID)
	}
	r.mu.Unlock()

	if !ok || cur != sess {
		return
	}
	sess.conn.Close()
	observability.OpenSessions.Dec()
	r.logger.Warn("Agent session dropped after transport failure", zap.Int64("vm_id", vmID))
}

func (r *Registry) session(vmID int64) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[vmID]
	return sess, ok
}

// roundTrip performs one bounded command/response exchange and decodes the
// base response envelope. A transport failure, including deadline expiry,
// leaves the stream unusable, so the session is dropped before returning.
func (r *Registry) roundTrip(ctx context.Context, sess *session, vmID int64, kind protocol.CommandKind, cmd any) (*protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RoundTripTimeout)
		defer cancel()
	}

	sess.mu.Lock()
	start := time.Now()
	raw, err := sess.conn.RoundTrip(ctx, cmd)
	sess.mu.Unlock()

	observability.AgentRoundTripSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.AgentRoundTripsTotal.WithLabelValues(string(kind), "error").Inc()
		r.dropSession(vmID, sess)
		return nil, &ConnectionError{VMID: vmID, Err: err}
	}

	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		observability.AgentRoundTripsTotal.WithLabelValues(string(kind), "error").Inc()
		r.dropSession(vmID, sess)
		return nil, &ConnectionError{VMID: vmID, Err: fmt.Errorf("undecodable agent response: %w", err)}
	}

	result := "ok"
	if !resp.IsOK() {
		result = "rejected"
	}
	observability.AgentRoundTripsTotal.WithLabelValues(string(kind), result).Inc()
	return &resp, nil
}
