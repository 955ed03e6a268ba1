package main

import (
	"github.com/spf13/cobra"

	"github.com/shfs/chunkcache/logger"
)

var (
	chunkSize       int
	volumeChunks    uint64
	poolBuffers     int
	readaheadWindow int
	overflowEnabled bool
	verbose         bool
)

var rootCmd = &cobra.Command{
	Use:   "shfscachedemo",
	Short: "Exercise the chunk cache against a simulated block device",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if verbose {
			level = "debug"
		}
		return logger.InitLogger(logger.LogConfig{LogLevel: level})
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&chunkSize, "chunk-size", 4096, "chunk size in bytes")
	rootCmd.PersistentFlags().Uint64Var(&volumeChunks, "volume-chunks", 4096, "volume size, in chunks")
	rootCmd.PersistentFlags().IntVar(&poolBuffers, "pool-buffers", 64, "fixed buffer pool slot count")
	rootCmd.PersistentFlags().IntVar(&readaheadWindow, "readahead", 4, "sequential read-ahead window, in chunks")
	rootCmd.PersistentFlags().BoolVar(&overflowEnabled, "overflow", false, "allow heap-backed overflow once the pool is exhausted")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(warmupCmd)
}
