package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/redvm/redvm/cmd/redvmctl/config"
	"github.com/redvm/redvm/pkg/protocol"
)

// NewDriveCommand creates the drive command
func NewDriveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Manage virtual drives",
		Long:  "Manage the virtual drives attached to VMs including attaching, resizing, detaching, and listing",
	}

	cmd.AddCommand(newDriveAddCommand())
	cmd.AddCommand(newDriveUpdateCommand())
	cmd.AddCommand(newDriveRemoveCommand())
	cmd.AddCommand(newDriveListCommand())

	return cmd
}

// newDriveAddCommand creates the drive add command
func newDriveAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add VM_ID",
		Short: "Attach a new drive",
		Long:  "Attach a new drive to a connected VM; the attachment commits only after the agent acknowledges it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid vm id %q", args[0])
			}
			return runDriveAdd(cmd, vmID)
		},
	}

	cmd.Flags().Int("size", protocol.DefaultDriveSizeGB, "Drive size in GB")

	return cmd
}

func runDriveAdd(cmd *cobra.Command, vmID int64) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	size, _ := cmd.Flags().GetInt("size")

	var resp protocol.DriveResponse
	if err := client.Do(protocol.AddDriveCommand{
		Command: protocol.CmdAddDrive,
		VMID:    vmID,
		Size:    size,
	}, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to add drive: %s", resp.Message)
	}

	fmt.Printf("Drive %d attached to VM %d\n", resp.DriveID, vmID)
	return printDrives(cmd, resp.Drives)
}

// newDriveUpdateCommand creates the drive update command
func newDriveUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update DRIVE_ID",
		Short: "Resize a drive",
		Long:  "Resize a drive on a connected VM; the change commits only after the agent acknowledges it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driveID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid drive id %q", args[0])
			}
			return runDriveUpdate(cmd, driveID)
		},
	}

	cmd.Flags().Int64("vm-id", 0, "Owning VM id")
	cmd.Flags().Int("size", 0, "New drive size in GB")
	cmd.MarkFlagRequired("vm-id")
	cmd.MarkFlagRequired("size")

	return cmd
}

func runDriveUpdate(cmd *cobra.Command, driveID int64) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	vmID, _ := cmd.Flags().GetInt64("vm-id")
	size, _ := cmd.Flags().GetInt("size")

	var resp protocol.VMResponse
	if err := client.Do(protocol.UpdateSpecsCommand{
		Command: protocol.CmdUpdateSpecs,
		VMID:    vmID,
		Drives:  []protocol.HardDrive{{ID: driveID, VMID: vmID, Size: size}},
	}, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to update drive: %s", resp.Message)
	}

	if resp.Data != nil {
		return printDrives(cmd, resp.Data.HardDrives)
	}
	return nil
}

// newDriveRemoveCommand creates the drive remove command
func newDriveRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove DRIVE_ID",
		Short: "Detach a drive",
		Long:  "Delete a drive from the store; the owning VM's agent sees the change on its next spec push",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driveID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid drive id %q", args[0])
			}
			return runDriveRemove(cmd, driveID)
		},
	}
}

func runDriveRemove(cmd *cobra.Command, driveID int64) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.DriveResponse
	if err := client.Do(protocol.RemoveDriveCommand{
		Command: protocol.CmdRemoveDrive,
		DriveID: driveID,
	}, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to remove drive: %s", resp.Message)
	}

	fmt.Printf("Drive %d removed from VM %d\n", driveID, resp.VMID)
	return printDrives(cmd, resp.Drives)
}

// newDriveListCommand creates the drive list command
func newDriveListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drives",
		Long:  "List all drives, or only those attached to one VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDriveList(cmd)
		},
	}

	cmd.Flags().Int64("vm-id", 0, "Only list drives of this VM")

	return cmd
}

func runDriveList(cmd *cobra.Command) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	list := protocol.ListDrivesCommand{Command: protocol.CmdListDrives}
	if cmd.Flags().Changed("vm-id") {
		vmID, _ := cmd.Flags().GetInt64("vm-id")
		list.VMID = &vmID
	}

	var resp protocol.ListDrivesResponse
	if err := client.Do(list, &resp); err != nil {
		return err
	}
	if !resp.IsOK() {
		return fmt.Errorf("failed to list drives: %s", resp.Message)
	}

	return printDrives(cmd, resp.Drives)
}

func printDrives(cmd *cobra.Command, drives []protocol.HardDrive) error {
	output, _ := cmd.Flags().GetString("output")
	out, err := config.NewOutputter(output)
	if err != nil {
		return err
	}

	if !out.Table() {
		return out.Print(drives)
	}

	headers := []string{"ID", "VM ID", "SIZE"}
	rows := make([][]string, 0, len(drives))
	for _, hd := range drives {
		rows = append(rows, []string{
			strconv.FormatInt(hd.ID, 10),
			strconv.FormatInt(hd.VMID, 10),
			fmt.Sprintf("%dG", hd.Size),
		})
	}

	out.PrintTable(headers, rows)
	fmt.Printf("\nTotal: %d drives\n", len(drives))
	return nil
}
