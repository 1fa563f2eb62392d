package main

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/ductranprof99/Image-Downloader-sub000/coordinator"
	"github.com/ductranprof99/Image-Downloader-sub000/downloader"
	"github.com/ductranprof99/Image-Downloader-sub000/imgerr"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch a single image, printing where it was served from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(args[0])
		},
	}
}

func runGet(url string) error {
	m, err := buildManager()
	if err != nil {
		return err
	}
	defer m.Close()

	// A correlation id for this invocation - useful when imgdlctl is
	// invoked many times in a batch script and the operator is
	// grepping logs for one particular fetch.
	corrID := uuid.New().String()

	progress := mpb.New(mpb.WithWidth(60))
	bar := progress.AddBar(100,
		mpb.PrependDecorators(decor.Name(corrID[:8]+" "+url)),
		mpb.AppendDecorators(decor.Percentage()),
	)

	hint := coordinator.Relaxed
	priority := downloader.Low
	if flagHighPriority {
		hint = coordinator.Immediate
		priority = downloader.High
	}

	done := make(chan error, 1)
	var lastPct int
	_, err = m.RequestWithProgress(context.Background(), url, hint, priority,
		func(value float64) {
			pct := int(value * 100)
			bar.IncrBy(pct - lastPct)
			lastPct = pct
		},
		func(img image.Image, source coordinator.Source, derr *imgerr.Error) {
			bar.SetCurrent(100)
			if derr != nil {
				done <- fmt.Errorf("%s: %w", corrID, derr)
				return
			}
			fmt.Printf("%s: delivered from %s\n", corrID, source)
			done <- nil
		},
	)
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		progress.Wait()
		return err
	case <-time.After(2 * time.Minute):
		progress.Wait()
		return fmt.Errorf("%s: timed out waiting for delivery", corrID)
	}
}
