package main

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shfs/chunkcache/chunkcache"
	"github.com/shfs/chunkcache/fileread"
	"github.com/shfs/chunkcache/internal/blockio"
	"github.com/shfs/chunkcache/internal/cachestats"
	"github.com/shfs/chunkcache/logger"
)

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Concurrently pre-fetch an entire simulated volume and report cache counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := blockio.NewSimDevice(chunkSize, volumeChunks)
		if err != nil {
			return err
		}
		dev.LatencyPolls = 1

		counters := &cachestats.Counters{}
		engine, err := chunkcache.Mount(dev, chunkcache.Config{
			ChunkSize:        chunkSize,
			VolumeSizeChunks: volumeChunks,
			PoolNumBuffers:   poolBuffers,
			ReadaheadWindow:  readaheadWindow,
			Recorder:         counters,
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

		// Poll concurrently with WarmUp's fetch goroutines so the
		// simulated device's one-tick latency actually drains.
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
					engine.Poll()
				}
			}
		}()

		err = fileread.WarmUp(context.Background(), f, 0, fileSize)
		close(stop)
		if err != nil {
			return err
		}

		logger.Infof("warmed up %s across %d chunks (hits=%d misses=%d evictions=%d)",
			humanize.Bytes(uint64(fileSize)), volumeChunks, counters.Hits, counters.Misses, counters.Evictions)
		return nil
	},
}
