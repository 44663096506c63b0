package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pianomanx/open-vmdk/pkg/vmdk"
)

var catCmd = &cobra.Command{
	Use:   "cat DISK [OFFSET [LENGTH]]",
	Short: "Print raw bytes from a sparse VMDK to standard output",
	Long: `cat decompresses and prints a byte range of DISK's logical content to
standard output. With no OFFSET/LENGTH it dumps the whole disk, so pipe
it somewhere sensible.`,
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := vmdk.OpenDisk(args[0])
		if err != nil {
			return err
		}
		defer r.Close()

		offset := int64(0)
		if len(args) > 1 {
			offset, err = strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad OFFSET %q: %w", args[1], err)
			}
		}

		length := r.Capacity() - offset
		if len(args) > 2 {
			length, err = strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("bad LENGTH %q: %w", args[2], err)
			}
		}

		const chunk = 1 << 20
		buf := make([]byte, chunk)
		for length > 0 {
			n := int64(len(buf))
			if n > length {
				n = length
			}
			got, err := r.Pread(buf[:n], offset)
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(buf[:got]); err != nil {
				return err
			}
			if int64(got) < n {
				break
			}
			offset += int64(got)
			length -= int64(got)
		}

		return nil
	},
}
