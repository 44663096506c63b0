package main

import (
	"github.com/spf13/cobra"
)

var (
	flagThreads int
	flagLevel   int
	flagDebug   bool
	flagForce   bool
)

var rootCmd = &cobra.Command{
	Use:   "vmdkcodec",
	Short: "Create and inspect stream-optimized sparse VMDK disk images",
	Long: `vmdkcodec builds and reads the VMware stream-optimized sparse VMDK
container: an append-only, grain-indexed disk image in which every grain
is individually deflate-compressed and located through a two-level grain
table.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable verbose diagnostic output")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(catCmd)
}
