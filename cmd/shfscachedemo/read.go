package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/shfs/chunkcache/chunkcache"
	"github.com/shfs/chunkcache/fileread"
	"github.com/shfs/chunkcache/internal/blockio"
	"github.com/shfs/chunkcache/internal/cachestats"
	"github.com/shfs/chunkcache/logger"
)

var (
	readOffset int64
	readLength int64
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Mount a simulated volume and read a byte range through the file adapter",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := blockio.NewSimDevice(chunkSize, volumeChunks)
		if err != nil {
			return err
		}

		counters := &cachestats.Counters{}
		engine, err := chunkcache.Mount(dev, chunkcache.Config{
			ChunkSize:              chunkSize,
			VolumeSizeChunks:       volumeChunks,
			PoolNumBuffers:         poolBuffers,
			ReadaheadWindow:        readaheadWindow,
			OverflowEnabled:        overflowEnabled,
			OverflowThresholdBytes: 64 * 1024 * 1024,
			FreeMem: func() uint64 {
				vm, err := mem.VirtualMemory()
				if err != nil {
					return 0
				}
				return vm.Available
			},
			Recorder: counters,
		})
		if err != nil {
			return err
		}
		defer engine.Close()

		fileSize := int64(volumeChunks) * int64(chunkSize)
		f, err := fileread.Open(engine, 1, fileSize)
		if err != nil {
			return err
		}

		dst := make([]byte, readLength)
		n, err := f.ReadAt(context.Background(), dst, readOffset)
		if err != nil {
			return err
		}

		logger.Infof("read %s at offset %d (hits=%d misses=%d evictions=%d readahead=%d)",
			humanize.Bytes(uint64(n)), readOffset, counters.Hits, counters.Misses, counters.Evictions, counters.ReadaheadSubmits)
		fmt.Printf("%x\n", dst[:n])
		return nil
	},
}

func init() {
	readCmd.Flags().Int64Var(&readOffset, "offset", 0, "byte offset to read from")
	readCmd.Flags().Int64Var(&readLength, "length", 64, "number of bytes to read")
}
