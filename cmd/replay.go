// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/ssukssuk/sprout/pkg/uart"
)

var (
	replayRealtime bool
	replayRX       bool
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Decode a recorded capture file",
	Long: `Decode and display a capture recorded with raw_log --record or run --capture.

Every frame is decoded, validated and printed with its direction. A
statistics summary follows the last frame. --realtime sleeps between frames
to reproduce the original timing.

No connection flags are needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "Reproduce the recorded timing")
	replayCmd.Flags().BoolVar(&replayRX, "rx-only", false, "Only show frames received from the board")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	fmt.Printf("Sprout - Capture Replay\n")
	fmt.Printf("File: %s\n\n", args[0])

	stats, err := replayCapture(uart.NewCaptureReader(f), os.Stdout, replayRealtime, replayRX)
	fmt.Println()
	fmt.Print(stats.String())
	return err
}

// replayCapture prints every record from r to w and returns the counters
func replayCapture(r *uart.CaptureReader, w io.Writer, realtime, rxOnly bool) (*uart.Statistics, error) {
	stats := uart.NewStatistics()
	var last time.Time

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		if rxOnly && rec.Direction != uart.DirRX {
			continue
		}

		at := rec.Time()
		if realtime && !last.IsZero() && at.After(last) {
			time.Sleep(at.Sub(last))
		}
		last = at

		packet, decodeErr := uart.Decode(rec.Frame)
		if decodeErr != nil {
			stats.Update(nil, decodeErr, nil)
			fmt.Fprintf(w, "[%s] %s DECODE ERROR: %v: %s\n", at.Format("15:04:05.000"), rec.Direction, decodeErr, uart.FormatHex(rec.Frame))
			continue
		}

		if rec.Direction == uart.DirTX {
			stats.AddSent(nil)
		}
		validationErrors := uart.ValidatePacket(packet)
		stats.Update(packet, nil, validationErrors)

		fmt.Fprintf(w, "%s %s", rec.Direction, uart.FormatPacket(packet))
		for _, v := range validationErrors {
			fmt.Fprintf(w, "  !! %s\n", v.Message)
		}
	}
}
