// Package agent implements the VM-side process: it holds the machine's local
// spec state, checks the manager's credentials, and applies spec updates
// pushed over the control channel. Authorization is tracked per manager peer
// address for the lifetime of the connection.
package agent

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/protocol"
)

// Config holds agent configuration.
type Config struct {
	// VMID is the machine's identity. 0 means unprovisioned; the agent
	// adopts the id carried by the first successful auth.
	VMID int64

	// Username and Password are the credentials a manager must present.
	Username string
	Password string

	// Specs is the initial local specification.
	Specs protocol.VMSpecs

	Logger *zap.Logger
}

// Validate validates the agent configuration.
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.Specs.RAM <= 0 {
		return fmt.Errorf("ram must be positive")
	}
	if c.Specs.CPU <= 0 {
		return fmt.Errorf("cpu must be positive")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Service is the agent-local state machine: credentials, spec, and the set
// of currently-authorized manager peers.
type Service struct {
	logger *zap.Logger

	mu         sync.Mutex
	specs      protocol.VMSpecs
	username   string
	password   string
	authorized map[string]struct{}
}

// NewService creates the agent service.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	specs := config.Specs
	specs.ID = config.VMID

	return &Service{
		logger:     config.Logger,
		specs:      specs,
		username:   config.Username,
		password:   config.Password,
		authorized: make(map[string]struct{}),
	}, nil
}

// Auth checks the manager's credentials and, on success, authorizes peer and
// adopts vmID as the machine's identity if it has none yet. A non-zero local
// id that differs from vmID is a hard mismatch and fails regardless of
// credentials.
func (s *Service) Auth(vmID int64, username, password, peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if username != s.username || password != s.password {
		s.logger.Warn("Authentication failed", zap.String("peer", peer))
		return false
	}

	if s.specs.ID == 0 {
		s.specs.ID = vmID
		s.logger.Info("Adopted VM identity", zap.Int64("vm_id", vmID))
	}
	if s.specs.ID != vmID {
		s.logger.Warn("VM id mismatch on auth",
			zap.Int64("local_id", s.specs.ID),
			zap.Int64("presented_id", vmID),
		)
		return false
	}

	s.authorized[peer] = struct{}{}
	s.logger.Info("Manager authenticated", zap.String("peer", peer), zap.Int64("vm_id", vmID))
	return true
}

// Authorized reports whether peer has authenticated.
func (s *Service) Authorized(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.authorized[peer]
	return ok
}

// Info returns the local specs to an authorized peer, or false.
func (s *Service) Info(peer string) (protocol.VMSpecs, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorized[peer]; !ok {
		s.logger.Warn("Unauthorized info request", zap.String("peer", peer))
		return protocol.VMSpecs{}, false
	}
	return s.cloneSpecsLocked(), true
}

// UpdateSpecs applies a pushed spec change from an authorized peer. Nil
// fields leave the current value; a non-nil id that conflicts with an
// established local id is rejected.
func (s *Service) UpdateSpecs(peer string, id *int64, ram, cpu *int, drives []protocol.HardDrive) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorized[peer]; !ok {
		s.logger.Warn("Unauthorized spec update", zap.String("peer", peer))
		return false
	}

	if id != nil && s.specs.ID != 0 && *id != s.specs.ID {
		s.logger.Error("Rejected spec update with different VM id",
			zap.Int64("local_id", s.specs.ID),
			zap.Int64("presented_id", *id),
		)
		return false
	}

	if id != nil {
		s.specs.ID = *id
	}
	if ram != nil {
		s.specs.RAM = *ram
	}
	if cpu != nil {
		s.specs.CPU = *cpu
	}
	if drives != nil {
		s.specs.HardDrives = append([]protocol.HardDrive(nil), drives...)
	}

	s.logger.Info("Specs updated", zap.String("peer", peer))
	return true
}

// Logout drops peer's authorization. Returns false when the peer was not
// authorized.
func (s *Service) Logout(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorized[peer]; !ok {
		return false
	}
	delete(s.authorized, peer)
	s.logger.Info("Manager logged out", zap.String("peer", peer))
	return true
}

func (s *Service) cloneSpecsLocked() protocol.VMSpecs {
	specs := s.specs
	specs.HardDrives = append([]protocol.HardDrive(nil), s.specs.HardDrives...)
	return specs
}
