package main

import (
	"fmt"

	"github.com/ductranprof99/Image-Downloader-sub000/cache"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache and storage occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildManager()
			if err != nil {
				return err
			}
			defer m.Close()

			fmt.Printf("cache: high=%d low=%d\n", m.CacheSize(cache.High), m.CacheSize(cache.Low))
			fmt.Printf("storage: bytes=%d\n", m.StorageSizeBytes())
			return nil
		},
	}
}

func newClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Clear both cache tiers (Pending entries are retained)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildManager()
			if err != nil {
				return err
			}
			defer m.Close()
			m.ClearCacheAll()
			fmt.Println("cache cleared")
			return nil
		},
	}
}

func newClearStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-storage",
		Short: "Delete every file tracked by the disk store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildManager()
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.ClearStorage(); err != nil {
				return err
			}
			fmt.Println("storage cleared")
			return nil
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <url>",
		Short: "Print the on-disk path a URL resolves (or would resolve) to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildManager()
			if err != nil {
				return err
			}
			defer m.Close()
			path, err := m.FilePathFor(args[0])
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}
