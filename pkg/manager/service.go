// Package manager implements the control-plane core: the session registry
// for live agent connections, the authoritative VM cache, and the lifecycle
// service that keeps durable store, cache, and remote agents consistent.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/protocol"
	"github.com/redvm/redvm/pkg/store"
)

// Default specs for a VM provisioned implicitly by a connect with vm_id 0.
const (
	defaultRAMGB = 1
	defaultCPUs  = 1
)

// Service orchestrates VM lifecycle operations. Every mutating operation is
// one logical transaction spanning the durable store and, where an agent is
// involved, one acknowledged round-trip: either all of store, cache, and
// agent observe the change, or none do.
//
// A per-VM mutex serializes mutating operations against the same VM id so
// the cache can never be observed diverging from a committed store state.
// Operations against different VM ids interleave freely.
type Service struct {
	store    *store.Store
	registry *Registry
	cache    *Cache
	logger   *zap.Logger

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewService creates the lifecycle service.
func NewService(st *store.Store, registry *Registry, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Service{
		store:    st,
		registry: registry,
		cache:    NewCache(),
		logger:   logger,
		locks:    make(map[int64]*sync.Mutex),
	}, nil
}

// Registry exposes the session registry, for teardown on shutdown.
func (s *Service) Registry() *Registry {
	return s.registry
}

// ResetConnectionState clears persisted connection flags left over from a
// previous run. Sessions do not survive a restart, so any row still flagged
// connected at startup is stale; last_connected timestamps are kept. Returns
// the number of rows cleared.
func (s *Service) ResetConnectionState(ctx context.Context) (int, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return 0, &StoreError{Operation: "reset connection state", Err: err}
	}
	defer uow.Rollback()

	stale, err := uow.VMs.ListConnected(ctx)
	if err != nil {
		return 0, &StoreError{Operation: "reset connection state", Err: err}
	}
	for _, rec := range stale {
		if err := uow.VMs.SetConnected(ctx, rec.ID, false); err != nil {
			return 0, &StoreError{Operation: "reset connection state", Err: err}
		}
	}
	if err := uow.Commit(); err != nil {
		return 0, &StoreError{Operation: "reset connection state", Err: err}
	}

	if len(stale) > 0 {
		s.logger.Info("Cleared stale connection flags", zap.Int("count", len(stale)))
	}
	return len(stale), nil
}

// IsConnected reports whether vmID currently holds a live, connected
// session.
func (s *Service) IsConnected(vmID int64) bool {
	cached, ok := s.cache.Get(vmID)
	return ok && cached.Connected && s.registry.Has(vmID)
}

// Create provisions a new VM with the given spec. Drive rows are inserted
// with their real ids assigned by the store and read back, so the returned
// VM carries true drive identities. No agent is contacted.
func (s *Service) Create(ctx context.Context, ram, cpu int, drives []protocol.HardDrive) (*VM, error) {
	if ram <= 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("ram must be positive, got %d", ram)}
	}
	if cpu <= 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("cpu must be positive, got %d", cpu)}
	}
	for _, hd := range drives {
		if hd.Size <= 0 {
			return nil, &ValidationError{Reason: fmt.Sprintf("drive size must be positive, got %d", hd.Size)}
		}
	}

	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, &StoreError{Operation: "create vm", Err: err}
	}
	defer uow.Rollback()

	vmID, err := uow.VMs.Add(ctx, ram, cpu)
	if err != nil {
		return nil, &StoreError{Operation: "create vm", Err: err}
	}
	for _, hd := range drives {
		if _, err := uow.Drives.Add(ctx, vmID, hd.Size); err != nil {
			return nil, &StoreError{Operation: "create vm", Err: err}
		}
	}

	driveRecs, err := uow.Drives.ListForVM(ctx, vmID)
	if err != nil {
		return nil, &StoreError{Operation: "create vm", Err: err}
	}
	if err := uow.Commit(); err != nil {
		return nil, &StoreError{Operation: "create vm", Err: err}
	}

	vm := VM{Specs: specsFromRecords(vmID, ram, cpu, driveRecs)}
	s.cache.Put(vm)

	s.logger.Info("VM created",
		zap.Int64("vm_id", vmID),
		zap.Int("ram_gb", ram),
		zap.Int("cpu", cpu),
		zap.Int("drives", len(driveRecs)),
	)
	return &vm, nil
}

// Connect opens and authenticates a control channel to the agent serving
// vmID. vmID 0 first provisions a fresh VM with minimal default specs so the
// machine has an identity before contact. Authentication must succeed before
// any durable connection fact is recorded: on auth failure the socket is
// closed and neither cache nor store retain any trace of the attempt.
func (s *Service) Connect(ctx context.Context, vmID int64, host string, port int, username, password string) (*VM, error) {
	if host == "" {
		return nil, &ValidationError{Reason: "host is required"}
	}
	if port <= 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("port must be positive, got %d", port)}
	}

	var vm VM
	if vmID == 0 {
		created, err := s.Create(ctx, defaultRAMGB, defaultCPUs, []protocol.HardDrive{{Size: protocol.DefaultDriveSizeGB}})
		if err != nil {
			return nil, err
		}
		vm = *created
		vmID = vm.Specs.ID
		s.logger.Info("Provisioned new VM for connect", zap.Int64("vm_id", vmID))
	} else {
		existing, err := s.GetInfo(ctx, vmID)
		if err != nil {
			return nil, err
		}
		vm = *existing
	}

	mu := s.vmLock(vmID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.registry.Connect(ctx, vmID, host, port); err != nil {
		return nil, err
	}

	authed, err := s.registry.Authenticate(ctx, vmID, username, password)
	if err != nil {
		s.registry.Disconnect(vmID)
		return nil, err
	}
	if !authed {
		s.registry.Disconnect(vmID)
		return nil, &AuthenticationError{VMID: vmID, Reason: "credentials rejected by agent"}
	}

	now := time.Now().UTC()
	uow, err := s.store.Begin(ctx)
	if err != nil {
		s.registry.Disconnect(vmID)
		return nil, &StoreError{Operation: "record connection", Err: err}
	}
	defer uow.Rollback()

	if err := uow.VMs.UpdateConnectionTime(ctx, vmID, now); err != nil {
		s.registry.Disconnect(vmID)
		return nil, &StoreError{Operation: "record connection", Err: err}
	}
	if err := uow.Commit(); err != nil {
		s.registry.Disconnect(vmID)
		return nil, &StoreError{Operation: "record connection", Err: err}
	}

	vm.Connected = true
	vm.LastConnected = &now
	s.cache.Put(vm)

	s.logger.Info("VM connected",
		zap.Int64("vm_id", vmID),
		zap.String("host", host),
		zap.Int("port", port),
	)
	return &vm, nil
}

// UpdateInfo mutates a connected VM's spec. Within one store transaction it
// stages the ram/cpu write and every drive change, re-reads the merged
// state, and then, still inside the transaction, pushes the new spec to the
// live agent and blocks for its acknowledgment. Only an explicit ok commits;
// rejection, timeout, or transport failure rolls everything back, leaving
// durable state byte-identical to before the call.
func (s *Service) UpdateInfo(ctx context.Context, vmID int64, ram, cpu *int, drives []protocol.HardDrive) (*VM, error) {
	if ram != nil && *ram <= 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("ram must be positive, got %d", *ram)}
	}
	if cpu != nil && *cpu <= 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("cpu must be positive, got %d", *cpu)}
	}
	for _, hd := range drives {
		if hd.Size <= 0 {
			return nil, &ValidationError{Reason: fmt.Sprintf("drive size must be positive, got %d", hd.Size)}
		}
	}

	mu := s.vmLock(vmID)
	mu.Lock()
	defer mu.Unlock()

	cached, ok := s.cache.Get(vmID)
	if !ok || !cached.Connected || !s.registry.Has(vmID) {
		return nil, &StateError{VMID: vmID, Operation: "update specs", Reason: "vm is not connected"}
	}

	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, &StoreError{Operation: "update vm", Err: err}
	}
	defer uow.Rollback()

	rec, err := uow.VMs.Get(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Resource: fmt.Sprintf("vm:%d", vmID)}
		}
		return nil, &StoreError{Operation: "update vm", Err: err}
	}

	if ram != nil || cpu != nil {
		newRAM := rec.RAM
		if ram != nil {
			newRAM = *ram
		}
		newCPU := rec.CPU
		if cpu != nil {
			newCPU = *cpu
		}
		if err := uow.VMs.Update(ctx, vmID, newRAM, newCPU); err != nil {
			return nil, &StoreError{Operation: "update vm", Err: err}
		}
	}

	for _, hd := range drives {
		if hd.ID == 0 {
			s.logger.Info("Adding drive", zap.Int64("vm_id", vmID), zap.Int("size_gb", hd.Size))
			if _, err := uow.Drives.Add(ctx, vmID, hd.Size); err != nil {
				return nil, &StoreError{Operation: "update vm", Err: err}
			}
		} else {
			// Updating an id the store does not know is a silent no-op.
			s.logger.Info("Updating drive",
				zap.Int64("vm_id", vmID),
				zap.Int64("drive_id", hd.ID),
				zap.Int("size_gb", hd.Size),
			)
			if err := uow.Drives.Update(ctx, hd.ID, hd.Size); err != nil {
				return nil, &StoreError{Operation: "update vm", Err: err}
			}
		}
	}

	rec, err = uow.VMs.Get(ctx, vmID)
	if err != nil {
		return nil, &StoreError{Operation: "update vm", Err: err}
	}
	driveRecs, err := uow.Drives.ListForVM(ctx, vmID)
	if err != nil {
		return nil, &StoreError{Operation: "update vm", Err: err}
	}
	specs := specsFromRecords(vmID, rec.RAM, rec.CPU, driveRecs)

	// The transaction stays open across this round-trip; the registry's
	// bounded deadline keeps it from hanging on a silent agent.
	acked, err := s.registry.UpdateSpecs(ctx, vmID, protocol.UpdateClientSpecs{
		Command: protocol.CmdUpdate,
		RAM:     ram,
		CPU:     cpu,
		Drives:  specs.HardDrives,
	})
	if err != nil {
		return nil, err
	}
	if !acked {
		return nil, fmt.Errorf("vm %d: %w", vmID, ErrAgentRejected)
	}

	if err := uow.Commit(); err != nil {
		return nil, &StoreError{Operation: "update vm", Err: err}
	}

	vm := cached
	vm.Specs = specs
	s.cache.Put(vm)

	s.logger.Info("VM specs updated", zap.Int64("vm_id", vmID))
	return &vm, nil
}

// GetInfo reads the VM through the store, refreshing the cache. A cached
// entry is never trusted across calls.
func (s *Service) GetInfo(ctx context.Context, vmID int64) (*VM, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, &StoreError{Operation: "get vm", Err: err}
	}
	defer uow.Rollback()

	rec, err := uow.VMs.Get(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Resource: fmt.Sprintf("vm:%d", vmID)}
		}
		return nil, &StoreError{Operation: "get vm", Err: err}
	}
	driveRecs, err := uow.Drives.ListForVM(ctx, vmID)
	if err != nil {
		return nil, &StoreError{Operation: "get vm", Err: err}
	}
	if err := uow.Commit(); err != nil {
		return nil, &StoreError{Operation: "get vm", Err: err}
	}

	vm := s.cache.RefreshSpecs(specsFromRecords(vmID, rec.RAM, rec.CPU, driveRecs), rec.LastConnected)
	return &vm, nil
}

// ListVMs returns every VM known to the store, refreshing cache entries.
func (s *Service) ListVMs(ctx context.Context) ([]VM, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, &StoreError{Operation: "list vms", Err: err}
	}
	defer uow.Rollback()

	recs, err := uow.VMs.ListAll(ctx)
	if err != nil {
		return nil, &StoreError{Operation: "list vms", Err: err}
	}

	vms := make([]VM, 0, len(recs))
	for _, rec := range recs {
		driveRecs, err := uow.Drives.ListForVM(ctx, rec.ID)
		if err != nil {
			return nil, &StoreError{Operation: "list vms", Err: err}
		}
		vm := s.cache.RefreshSpecs(specsFromRecords(rec.ID, rec.RAM, rec.CPU, driveRecs), rec.LastConnected)
		vms = append(vms, vm)
	}
	if err := uow.Commit(); err != nil {
		return nil, &StoreError{Operation: "list vms", Err: err}
	}
	return vms, nil
}

// ListConnected resolves the registry's live session ids through GetInfo.
func (s *Service) ListConnected(ctx context.Context) ([]VM, error) {
	return s.resolve(ctx, s.registry.Connected())
}

// ListAuthenticated resolves the registry's authenticated session ids
// through GetInfo.
func (s *Service) ListAuthenticated(ctx context.Context) ([]VM, error) {
	return s.resolve(ctx, s.registry.Authenticated())
}

func (s *Service) resolve(ctx context.Context, ids []int64) ([]VM, error) {
	vms := make([]VM, 0, len(ids))
	for _, id := range ids {
		vm, err := s.GetInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		vms = append(vms, *vm)
	}
	return vms, nil
}

// Logout logs out of the VM's agent and flips the cached connected flag.
// The socket stays open. Returns false, not an error, when the VM is not
// marked connected.
func (s *Service) Logout(ctx context.Context, vmID int64) (bool, error) {
	mu := s.vmLock(vmID)
	mu.Lock()
	defer mu.Unlock()

	cached, ok := s.cache.Get(vmID)
	if !ok || !cached.Connected {
		s.logger.Debug("Logout of VM that is not connected", zap.Int64("vm_id", vmID))
		return false, nil
	}

	done, err := s.registry.Logout(ctx, vmID)
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}

	uow, err := s.store.Begin(ctx)
	if err != nil {
		return false, &StoreError{Operation: "record logout", Err: err}
	}
	defer uow.Rollback()
	if err := uow.VMs.SetConnected(ctx, vmID, false); err != nil {
		return false, &StoreError{Operation: "record logout", Err: err}
	}
	if err := uow.Commit(); err != nil {
		return false, &StoreError{Operation: "record logout", Err: err}
	}

	s.cache.SetConnected(vmID, false, nil)
	return true, nil
}

// DeleteVM disconnects the VM if connected, evicts it from the cache, and
// deletes its drive rows. The VM row itself is retained in the store.
func (s *Service) DeleteVM(ctx context.Context, vmID int64) (bool, error) {
	mu := s.vmLock(vmID)
	mu.Lock()
	defer mu.Unlock()

	if cached, ok := s.cache.Get(vmID); ok {
		if cached.Connected {
			s.registry.Disconnect(vmID)
		}
		s.cache.Delete(vmID)
	} else {
		// A session can outlive the cache entry; drop it regardless.
		s.registry.Disconnect(vmID)
	}

	uow, err := s.store.Begin(ctx)
	if err != nil {
		return false, &StoreError{Operation: "delete vm", Err: err}
	}
	defer uow.Rollback()

	driveRecs, err := uow.Drives.ListForVM(ctx, vmID)
	if err != nil {
		return false, &StoreError{Operation: "delete vm", Err: err}
	}
	for _, rec := range driveRecs {
		if err := uow.Drives.Remove(ctx, rec.ID); err != nil {
			return false, &StoreError{Operation: "delete vm", Err: err}
		}
	}
	if err := uow.VMs.SetConnected(ctx, vmID, false); err != nil {
		return false, &StoreError{Operation: "delete vm", Err: err}
	}
	if err := uow.Commit(); err != nil {
		return false, &StoreError{Operation: "delete vm", Err: err}
	}

	s.logger.Info("VM deleted", zap.Int64("vm_id", vmID), zap.Int("drives_removed", len(driveRecs)))
	return true, nil
}

// RemoveDrive deletes one drive row and refreshes the owning VM's cache
// entry in the same call. Returns the owning VM id.
func (s *Service) RemoveDrive(ctx context.Context, driveID int64) (int64, error) {
	owner, err := s.driveOwner(ctx, driveID)
	if err != nil {
		return 0, err
	}

	// Same lock order as every other mutation: per-VM lock first, then the
	// store transaction.
	mu := s.vmLock(owner)
	mu.Lock()
	defer mu.Unlock()

	uow, err := s.store.Begin(ctx)
	if err != nil {
		return 0, &StoreError{Operation: "remove drive", Err: err}
	}
	defer uow.Rollback()

	if err := uow.Drives.Remove(ctx, driveID); err != nil {
		return 0, &StoreError{Operation: "remove drive", Err: err}
	}

	rec, err := uow.VMs.Get(ctx, owner)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, &StoreError{Operation: "remove drive", Err: err}
	}
	var driveRecs []store.DriveRecord
	if rec != nil {
		driveRecs, err = uow.Drives.ListForVM(ctx, owner)
		if err != nil {
			return 0, &StoreError{Operation: "remove drive", Err: err}
		}
	}
	if err := uow.Commit(); err != nil {
		return 0, &StoreError{Operation: "remove drive", Err: err}
	}

	if rec != nil {
		s.cache.RefreshSpecs(specsFromRecords(owner, rec.RAM, rec.CPU, driveRecs), rec.LastConnected)
	}
	s.logger.Info("Drive removed", zap.Int64("drive_id", driveID), zap.Int64("vm_id", owner))
	return owner, nil
}

// driveOwner resolves the owning VM id of a drive in its own short
// transaction.
func (s *Service) driveOwner(ctx context.Context, driveID int64) (int64, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return 0, &StoreError{Operation: "remove drive", Err: err}
	}
	defer uow.Rollback()

	reports, err := uow.Drives.ListAll(ctx)
	if err != nil {
		return 0, &StoreError{Operation: "remove drive", Err: err}
	}
	for _, rep := range reports {
		if rep.ID == driveID {
			return rep.VMID, nil
		}
	}
	return 0, &NotFoundError{Resource: fmt.Sprintf("drive:%d", driveID)}
}

// ListDrives returns all drives, or only those owned by vmID when non-nil.
// Pure read; no cache or registry side effects.
func (s *Service) ListDrives(ctx context.Context, vmID *int64) ([]protocol.HardDrive, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, &StoreError{Operation: "list drives", Err: err}
	}
	defer uow.Rollback()

	var drives []protocol.HardDrive
	if vmID == nil {
		reports, err := uow.Drives.ListAll(ctx)
		if err != nil {
			return nil, &StoreError{Operation: "list drives", Err: err}
		}
		for _, rep := range reports {
			drives = append(drives, protocol.HardDrive{ID: rep.ID, VMID: rep.VMID, Size: rep.Size})
		}
	} else {
		recs, err := uow.Drives.ListForVM(ctx, *vmID)
		if err != nil {
			return nil, &StoreError{Operation: "list drives", Err: err}
		}
		drives = wireDrives(recs)
	}
	if err := uow.Commit(); err != nil {
		return nil, &StoreError{Operation: "list drives", Err: err}
	}
	return drives, nil
}

// vmLock returns the mutex serializing mutations of one VM id.
func (s *Service) vmLock(vmID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[vmID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[vmID] = mu
	}
	return mu
}

func specsFromRecords(vmID int64, ram, cpu int, drives []store.DriveRecord) protocol.VMSpecs {
	return protocol.VMSpecs{
		ID:         vmID,
		RAM:        ram,
		CPU:        cpu,
		HardDrives: wireDrives(drives),
	}
}

func wireDrives(recs []store.DriveRecord) []protocol.HardDrive {
	drives := make([]protocol.HardDrive, 0, len(recs))
	for _, rec := range recs {
		drives = append(drives, protocol.HardDrive{ID: rec.ID, VMID: rec.VMID, Size: rec.Size})
	}
	return drives
}
