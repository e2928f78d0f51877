package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/redvm/redvm/cmd/redvmctl/config"
	"github.com/redvm/redvm/pkg/protocol"
)

// NewVMCommand creates the vm command
func NewVMCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage virtual machines",
		Long:  "Manage virtual machines in the fleet including provisioning, connecting, updating, and listing",
	}

	cmd.AddCommand(newVMAddCommand())
	cmd.AddCommand(newVMConnectCommand())
	cmd.AddCommand(newVMLogoutCommand())
	cmd.AddCommand(newVMGetCommand())
	cmd.AddCommand(newVMUpdateCommand())
	cmd.AddCommand(newVMListCommand())

	return cmd
}

// newVMAddCommand creates the vm add command
func newVMAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Provision a new VM",
		Long:  "Register a new VM with the given specification; no agent is contacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVMAdd(cmd)
		},
	}

	cmd.Flags().Int("ram", 1, "RAM in GB")
	cmd.Flags().Int("cpu", 1, "CPU count")
	cmd.Flags().IntSlice("drive-size", nil, "Drive sizes in GB (repeatable)")

	return cmd
}

func runVMAdd(cmd *cobra.Command) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ram, _ := cmd.Flags().GetInt("ram")
	cpu, _ := cmd.Flags().GetInt("cpu")
	sizes, _ := cmd.Flags().GetIntSlice("drive-size")

	var drives []protocol.HardDrive
	for _, size := range sizes {
		drives = append(drives, protocol.HardDrive{Size: size})
	}

	var resp protocol.VMResponse
	if err := client.Do(protocol.AddVMCommand{
		Command: protocol.CmdAddVM,
		RAM:     ram,
		CPU:     cpu,
		Drives:  drives,
	}, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to add vm: %s", resp.Message)
	}

	return printVM(cmd, resp)
}

// newVMConnectCommand creates the vm connect command
func newVMConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect [VM_ID]",
		Short: "Connect to a VM's agent",
		Long:  "Open and authenticate a control channel to the VM's agent; VM_ID 0 or omitted provisions a new VM first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var vmID int64
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid vm id %q", args[0])
				}
				vmID = id
			}
			return runVMConnect(cmd, vmID)
		},
	}

	cmd.Flags().String("host", "localhost", "Agent host")
	cmd.Flags().Int("port", 9000, "Agent port")
	cmd.Flags().StringP("username", "u", "", "Agent username")
	cmd.Flags().StringP("password", "p", "", "Agent password")

	return cmd
}

func runVMConnect(cmd *cobra.Command, vmID int64) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")

	var resp protocol.VMResponse
	if err := client.Do(protocol.NewConnectCommand(vmID, host, port, username, password), &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to connect: %s", resp.Message)
	}

	return printVM(cmd, resp)
}

// newVMLogoutCommand creates the vm logout command
func newVMLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout VM_ID",
		Short: "Log out of a VM's agent",
		Long:  "Log out of the VM's agent session; the control socket stays open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid vm id %q", args[0])
			}
			return runVMLogout(cmd, vmID)
		},
	}
}

func runVMLogout(cmd *cobra.Command, vmID int64) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.VMResponse
	if err := client.Do(protocol.LogoutClientCommand{
		Command: protocol.CmdLogout,
		VMID:    vmID,
	}, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to log out: %s", resp.Message)
	}

	fmt.Printf("VM %d logged out\n", vmID)
	return nil
}

// newVMGetCommand creates the vm get command
func newVMGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get VM_ID",
		Short: "Get VM details",
		Long:  "Get the durable specification and connection state of a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid vm id %q", args[0])
			}
			return runVMGet(cmd, vmID)
		},
	}
}

func runVMGet(cmd *cobra.Command, vmID int64) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.VMResponse
	if err := client.Do(protocol.GetInfoCommand{
		Command: protocol.CmdGetInfo,
		VMID:    vmID,
	}, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to get vm: %s", resp.Message)
	}

	return printVM(cmd, resp)
}

// newVMUpdateCommand creates the vm update command
func newVMUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update VM_ID",
		Short: "Update a connected VM's specification",
		Long:  "Push a spec change to a connected VM; the change commits only after the agent acknowledges it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid vm id %q", args[0])
			}
			return runVMUpdate(cmd, vmID)
		},
	}

	cmd.Flags().Int("ram", 0, "New RAM in GB")
	cmd.Flags().Int("cpu", 0, "New CPU count")

	return cmd
}

func runVMUpdate(cmd *cobra.Command, vmID int64) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	update := protocol.UpdateSpecsCommand{
		Command: protocol.CmdUpdateSpecs,
		VMID:    vmID,
	}
	if cmd.Flags().Changed("ram") {
		ram, _ := cmd.Flags().GetInt("ram")
		update.RAM = &ram
	}
	if cmd.Flags().Changed("cpu") {
		cpu, _ := cmd.Flags().GetInt("cpu")
		update.CPU = &cpu
	}
	if update.RAM == nil && update.CPU == nil {
		return fmt.Errorf("nothing to update: pass --ram and/or --cpu")
	}

	var resp protocol.VMResponse
	if err := client.Do(update, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to update vm: %s", resp.Message)
	}

	return printVM(cmd, resp)
}

// newVMListCommand creates the vm list command
func newVMListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List VMs",
		Long:  "List all VMs, or only those with open or authenticated agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVMList(cmd)
		},
	}

	cmd.Flags().StringP("type", "t", "all", "Which VMs to list: all, connected, authenticated")

	return cmd
}

func runVMList(cmd *cobra.Command) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	listType, _ := cmd.Flags().GetString("type")

	var resp protocol.VMListResponse
	if err := client.Do(protocol.ListVMsCommand{
		Command:  protocol.CmdListVMs,
		ListType: listType,
	}, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to list vms: %s", resp.Message)
	}

	output, _ := cmd.Flags().GetString("output")
	out, err := config.NewOutputter(output)
	if err != nil {
		return err
	}

	if out.Table() {
		return printVMTable(out, resp.VMs)
	}
	return out.Print(resp.VMs)
}

func printVM(cmd *cobra.Command, resp protocol.VMResponse) error {
	output, _ := cmd.Flags().GetString("output")
	out, err := config.NewOutputter(output)
	if err != nil {
		return err
	}

	if out.Table() {
		return printVMTable(out, []protocol.VMResponse{resp})
	}
	return out.Print(resp)
}

func printVMTable(out *config.Outputter, vms []protocol.VMResponse) error {
	headers := []string{"ID", "RAM", "CPU", "DRIVES", "CONNECTED", "LAST CONNECTION"}
	rows := make([][]string, 0, len(vms))

	for _, vm := range vms {
		id := strconv.FormatInt(vm.VMID, 10)
		ram, cpu, drives := "-", "-", "-"
		if vm.Data != nil {
			ram = fmt.Sprintf("%dG", vm.Data.RAM)
			cpu = strconv.Itoa(vm.Data.CPU)
			drives = strconv.Itoa(len(vm.Data.HardDrives))
		}
		lastConn := "-"
		if vm.LastConnection != nil {
			lastConn = vm.LastConnection.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			id,
			ram,
			cpu,
			drives,
			strconv.FormatBool(vm.IsConnected),
			lastConn,
		})
	}

	out.PrintTable(headers, rows)
	fmt.Printf("\nTotal: %d VMs\n", len(vms))
	return nil
}

func newClient(cmd *cobra.Command) (*config.Client, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.NewClient()
}
