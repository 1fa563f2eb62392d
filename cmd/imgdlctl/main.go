// Command imgdlctl is a thin command-line harness over the imgdl
// engine: fetch a single image, prefetch a batch, inspect cache/store
// occupancy, or clear them. It exists for manual exercising and
// scripting against the engine, not as a production UI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "imgdlctl",
		Short: "Exercise the imgdl image download coordination engine from the command line",
	}
	root.PersistentFlags().StringVar(&flagCacheRoot, "cache-root", "", "Override the disk store root directory (default: .imgdlctl-cache next to the executable, else OS cache dir)")
	root.PersistentFlags().IntVar(&flagConcurrency, "concurrency", 4, "Max concurrent downloads")
	root.PersistentFlags().BoolVar(&flagHighPriority, "high-priority", false, "Use the High latency hint/priority")

	root.AddCommand(newGetCmd())
	root.AddCommand(newPrefetchCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newClearCacheCmd())
	root.AddCommand(newClearStorageCmd())
	root.AddCommand(newPathCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	flagCacheRoot    string
	flagConcurrency  int
	flagHighPriority bool
)
