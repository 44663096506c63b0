package main

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pianomanx/open-vmdk/pkg/vmdk"
)

var statCmd = &cobra.Command{
	Use:   "stat DISK",
	Short: "Validate a sparse VMDK and print its capacity and first data range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := vmdk.OpenDisk(args[0])
		if err != nil {
			return err
		}
		defer r.Close()

		color.Cyan("%s", args[0])
		cmd.Printf("capacity:    %d bytes\n", r.Capacity())

		start, end, err := r.NextData(0)
		switch {
		case errors.Is(err, vmdk.ErrNoData):
			cmd.Println("data:        none (completely sparse)")
		case err != nil:
			return err
		default:
			cmd.Printf("first data:  [%d, %d)\n", start, end)
		}

		return nil
	},
}
