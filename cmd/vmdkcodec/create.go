package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pianomanx/open-vmdk/pkg/vmdk"
)

var createCmd = &cobra.Command{
	Use:   "create SRC DST",
	Short: "Compress a raw disk image into a stream-optimized sparse VMDK",
	Long: `create reads SRC as a flat raw disk image and writes an equivalent
stream-optimized sparse VMDK to DST, draining SRC through a pool of
--threads parallel compression workers.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		srcPath, dstPath := args[0], args[1]

		if !flagForce {
			if _, err := os.Stat(dstPath); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", dstPath)
			}
		}

		src, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer src.Close()

		info, err := src.Stat()
		if err != nil {
			return err
		}

		w, err := vmdk.CreateDisk(dstPath, info.Size(), flagLevel)
		if err != nil {
			return err
		}

		source := vmdk.NewSourceDisk(src, info.Size())
		log := &cliLogger{debug: flagDebug}

		n, err := w.CopyDisk(context.Background(), source, flagThreads, log)
		if err != nil {
			_ = w.Abort()
			return err
		}

		if err := w.Close(); err != nil {
			return err
		}

		color.Green("wrote %s: %d bytes copied from %s", dstPath, n, srcPath)
		return nil
	},
}

func init() {
	f := createCmd.Flags()
	f.IntVarP(&flagThreads, "threads", "t", 4, "number of parallel compression workers")
	f.IntVarP(&flagLevel, "level", "l", 6, "zlib compression level (1-9)")
	f.BoolVarP(&flagForce, "force", "f", false, "overwrite an existing destination file")
}
