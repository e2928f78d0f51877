// Package protocol defines the JSON command protocol spoken between the
// manager, its clients, and the VM agents. Every message on the wire is a
// single JSON object carrying a "command" discriminator (requests) or a
// "status" field (responses), framed with a 4-byte big-endian length prefix.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandKind discriminates the command envelope.
type CommandKind string

// Manager-facing commands (client -> manager).
const (
	CmdConnect     CommandKind = "connect"
	CmdLogout      CommandKind = "logout"
	CmdUpdateSpecs CommandKind = "update_specs"
	CmdGetInfo     CommandKind = "get_info"
	CmdAddDrive    CommandKind = "add_drive"
	CmdRemoveDrive CommandKind = "remove_drive"
	CmdListVMs     CommandKind = "list_vms"
	CmdListDrives  CommandKind = "list_drives"
	CmdAddVM       CommandKind = "add_vm"
)

// Agent-facing commands (manager -> agent). CmdLogout is shared between the
// two surfaces; the receiving side disambiguates by which server got it.
const (
	CmdAuth   CommandKind = "auth"
	CmdUpdate CommandKind = "update"
)

// Envelope is the minimal decode target used to pick a handler before the
// full command is unmarshalled.
type Envelope struct {
	Command CommandKind `json:"command"`
}

// Kind extracts the command discriminator from a raw message.
func Kind(raw []byte) (CommandKind, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("malformed command envelope: %w", err)
	}
	if env.Command == "" {
		return "", fmt.Errorf("command envelope missing discriminator")
	}
	return env.Command, nil
}

// HardDrive is a virtual disk attached to a VM. ID 0 means "not yet
// persisted"; the store assigns the real id on first write.
type HardDrive struct {
	ID   int64 `json:"id"`
	VMID int64 `json:"vm_id"`
	Size int   `json:"size"`
}

// Validate checks field ranges on a drive carried in a command.
func (h HardDrive) Validate() error {
	if h.Size <= 0 {
		return fmt.Errorf("drive size must be positive, got %d", h.Size)
	}
	if h.ID < 0 {
		return fmt.Errorf("drive id must be non-negative, got %d", h.ID)
	}
	return nil
}

// VMSpecs is the durable specification of a VM.
type VMSpecs struct {
	ID         int64       `json:"id"`
	RAM        int         `json:"ram"`
	CPU        int         `json:"cpu"`
	HardDrives []HardDrive `json:"hard_drives"`
}

// ConnectCommand asks the manager to open and authenticate a control channel
// to a VM agent. VMID 0 provisions a fresh VM before contact.
type ConnectCommand struct {
	Command  CommandKind `json:"command"`
	VMID     int64       `json:"vm_id"`
	Username string      `json:"username"`
	Password string      `json:"password"`
	Host     string      `json:"host"`
	Port     int         `json:"port"`
}

// NewConnectCommand builds a connect command with the discriminator set.
func NewConnectCommand(vmID int64, host string, port int, username, password string) ConnectCommand {
	return ConnectCommand{
		Command:  CmdConnect,
		VMID:     vmID,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}
}

// Validate checks field ranges.
func (c ConnectCommand) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive, got %d", c.Port)
	}
	return nil
}

// LogoutClientCommand asks the manager to log out of a VM's agent.
type LogoutClientCommand struct {
	Command CommandKind `json:"command"`
	VMID    int64       `json:"vm_id"`
}

// UpdateSpecsCommand mutates a connected VM's specification. Nil fields are
// left unchanged; drives with id 0 are created, others updated in place.
type UpdateSpecsCommand struct {
	Command CommandKind `json:"command"`
	VMID    int64       `json:"vm_id"`
	RAM     *int        `json:"ram,omitempty"`
	CPU     *int        `json:"cpu,omitempty"`
	Drives  []HardDrive `json:"hds,omitempty"`
}

// Validate checks field ranges.
func (c UpdateSpecsCommand) Validate() error {
	if c.RAM != nil && *c.RAM <= 0 {
		return fmt.Errorf("ram must be positive, got %d", *c.RAM)
	}
	if c.CPU != nil && *c.CPU <= 0 {
		return fmt.Errorf("cpu must be positive, got %d", *c.CPU)
	}
	for _, hd := range c.Drives {
		if err := hd.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GetInfoCommand requests a single VM's specification.
type GetInfoCommand struct {
	Command CommandKind `json:"command"`
	VMID    int64       `json:"vm_id"`
}

// AddDriveCommand attaches a new drive to a connected VM.
type AddDriveCommand struct {
	Command CommandKind `json:"command"`
	VMID    int64       `json:"vm_id"`
	Size    int         `json:"size"`
}

// Validate checks field ranges.
func (c AddDriveCommand) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("drive size must be positive, got %d", c.Size)
	}
	return nil
}

// RemoveDriveCommand detaches a drive by id.
type RemoveDriveCommand struct {
	Command CommandKind `json:"command"`
	DriveID int64       `json:"drive_id"`
}

// ListVMsCommand lists VMs. ListType is one of "all", "connected",
// "authenticated"; empty means "all".
type ListVMsCommand struct {
	Command  CommandKind `json:"command"`
	ListType string      `json:"list_type,omitempty"`
}

// ListDrivesCommand lists drives, optionally scoped to one VM.
type ListDrivesCommand struct {
	Command CommandKind `json:"command"`
	VMID    *int64      `json:"vm_id,omitempty"`
}

// AddVMCommand provisions a new VM without contacting any agent.
type AddVMCommand struct {
	Command CommandKind `json:"command"`
	RAM     int         `json:"ram"`
	CPU     int         `json:"cpu"`
	Drives  []HardDrive `json:"hds,omitempty"`
}

// Validate checks field ranges.
func (c AddVMCommand) Validate() error {
	if c.RAM <= 0 {
		return fmt.Errorf("ram must be positive, got %d", c.RAM)
	}
	if c.CPU <= 0 {
		return fmt.Errorf("cpu must be positive, got %d", c.CPU)
	}
	for _, hd := range c.Drives {
		if err := hd.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AuthCommand is sent by the manager to an agent to prove credentials.
type AuthCommand struct {
	Command  CommandKind `json:"command"`
	VMID     int64       `json:"vm_id"`
	Username string      `json:"username"`
	Password string      `json:"password"`
}

// NewAuthCommand builds an auth command with the discriminator set.
func NewAuthCommand(vmID int64, username, password string) AuthCommand {
	return AuthCommand{Command: CmdAuth, VMID: vmID, Username: username, Password: password}
}

// UpdateClientSpecs pushes a spec change to an agent. The agent rejects a
// non-zero ID that differs from its own.
type UpdateClientSpecs struct {
	Command CommandKind `json:"command"`
	ID      *int64      `json:"id,omitempty"`
	RAM     *int        `json:"ram,omitempty"`
	CPU     *int        `json:"cpu,omitempty"`
	Drives  []HardDrive `json:"hds,omitempty"`
}

// LogoutCommand is sent by the manager to an agent to drop its authorization.
type LogoutCommand struct {
	Command CommandKind `json:"command"`
}

// NewLogoutCommand builds an agent-facing logout command.
func NewLogoutCommand() LogoutCommand {
	return LogoutCommand{Command: CmdLogout}
}

// DefaultDriveSizeGB is the size of the drive attached to a VM provisioned
// implicitly by a connect with vm_id 0.
const DefaultDriveSizeGB = 4

// Timestamp is the wire format for optional times.
const Timestamp = time.RFC3339Nano
