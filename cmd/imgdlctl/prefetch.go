package main

import (
	"context"
	"fmt"

	"github.com/ductranprof99/Image-Downloader-sub000/coordinator"
	"github.com/ductranprof99/Image-Downloader-sub000/downloader"

	"github.com/spf13/cobra"
)

func newPrefetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch <url> [url...]",
		Short: "Warm the cache/disk store for one or more URLs without printing the image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildManager()
			if err != nil {
				return err
			}
			defer m.Close()

			hint := coordinator.Relaxed
			priority := downloader.Low
			if flagHighPriority {
				hint = coordinator.Immediate
				priority = downloader.High
			}

			for _, url := range args {
				if err := m.Prefetch(context.Background(), url, hint, priority); err != nil {
					return fmt.Errorf("%s: %w", url, err)
				}
			}
			fmt.Printf("queued %d url(s) for prefetch\n", len(args))
			return nil
		},
	}
}
