package manager

import (
	"sync"
	"time"

	"github.com/redvm/redvm/pkg/protocol"
)

// VM is the authoritative in-process view of one virtual machine: its
// durable spec plus runtime connection state. The live connection handle is
// owned by the Registry, keyed by the same id.
type VM struct {
	Specs         protocol.VMSpecs
	Connected     bool
	LastConnected *time.Time
}

// clone returns a deep copy so callers never alias cached drive slices.
func (v VM) clone() VM {
	drives := make([]protocol.HardDrive, len(v.Specs.HardDrives))
	copy(drives, v.Specs.HardDrives)
	v.Specs.HardDrives = drives
	return v
}

// Cache is the process-wide map of VM id to last-known VM state, refreshed
// on reads and selected writes. Entries never diverge from the store for
// longer than one Service call; mutating operations hold the per-VM lock in
// the Service while they update both.
type Cache struct {
	mu  sync.RWMutex
	vms map[int64]VM
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{vms: make(map[int64]VM)}
}

// Get returns a copy of the cached VM, if present.
func (c *Cache) Get(vmID int64) (VM, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vm, ok := c.vms[vmID]
	if !ok {
		return VM{}, false
	}
	return vm.clone(), true
}

// Put stores a copy of vm under its spec id.
func (c *Cache) Put(vm VM) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vms[vm.Specs.ID] = vm.clone()
}

// RefreshSpecs replaces the durable part of an entry, preserving runtime
// connection state, creating the entry when absent.
func (c *Cache) RefreshSpecs(specs protocol.VMSpecs, lastConnected *time.Time) VM {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm, ok := c.vms[specs.ID]
	if !ok {
		vm = VM{}
	}
	vm.Specs = specs
	if lastConnected != nil {
		vm.LastConnected = lastConnected
	}
	c.vms[specs.ID] = vm.clone()
	return vm.clone()
}

// SetConnected flips the runtime connected flag of an existing entry.
func (c *Cache) SetConnected(vmID int64, connected bool, at *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm, ok := c.vms[vmID]
	if !ok {
		return
	}
	vm.Connected = connected
	if at != nil {
		vm.LastConnected = at
	}
	c.vms[vmID] = vm
}

// Delete evicts an entry.
func (c *Cache) Delete(vmID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vms, vmID)
}
