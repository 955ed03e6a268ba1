// Command shfscachedemo exercises the chunk cache end-to-end against a
// simulated block device: it mounts a volume, warms up or reads a byte
// range through the File Read Adapter, and reports cache counters. It is
// grounded on the cobra root-command layout of Azure-azure-storage-azcopy's
// cmd/root.go, trimmed down from its job-plan/credential machinery to the
// handful of persistent flags this demo actually needs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
