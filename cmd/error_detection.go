// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/ssukssuk/sprout/pkg/uart"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed packets and errors",
	Long: `Track frame errors, malformed packets and implausible values with statistics.

This command validates each frame and detects:
  - Checksum, framing and length errors
  - Unknown packet types and subtypes
  - Payloads that do not match the subtype or exceed the firmware limit
  - Implausible sensor readings (temperature, humidity out of range)
  - Statistics and trends (packet rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid packets too.

Supports both serial and WebSocket connections.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all packets (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	if useTUI {
		return runTUIMode(conn, connInfo)
	}
	return runTextMode(conn, connInfo)
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(frame []byte, err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  Frame: %s\n", uart.FormatHex(frame))
	fmt.Printf("  >>> DECODE FAILED <<<\n\n")
}

// printValidationErrors prints validation errors for a packet
func printValidationErrors(packet *uart.Packet, errors []uart.ValidationError) {
	timestamp := packet.Timestamp().Format("15:04:05.000")

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s %s (0x%02X/0x%02X)\n", timestamp,
		uart.FormatType(packet.Type()), uart.FormatSubtype(packet.Type(), packet.Subtype()),
		packet.Type(), packet.Subtype())
	fmt.Printf("  Checksum: \033[1;32mOK\033[0m\n")

	for i, err := range errors {
		switch err.Type {
		case uart.AnomalyImplausibleValue:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
		default:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
		}
	}

	if len(packet.Payload()) > 0 {
		fmt.Printf("  Payload: %s\n", uart.FormatHex(packet.Payload()))
	}
	fmt.Printf("  >>> PACKET REJECTED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(conn uart.Conn, connInfo string) error {
	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	go func() {
		parser := uart.NewParser()
		synchronized := false
		err := readFrames(conn, parser, func(frame []byte, packet *uart.Packet, decodeErr error) bool {
			if decodeErr != nil {
				if synchronized {
					p.Send(serialDataMsg{frame: frame, decodeErr: decodeErr})
				}
				return false
			}
			if !synchronized {
				synchronized = true
				p.Send(syncMsg{invalidBytes: parser.Discarded()})
			}
			p.Send(serialDataMsg{
				frame:            frame,
				packet:           packet,
				validationErrors: uart.ValidatePacket(packet),
			})
			return false
		})
		if err != nil {
			p.Send(connectionLostMsg{err: err})
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runTextMode runs error detection with plain output
func runTextMode(conn uart.Conn, connInfo string) error {
	fmt.Printf("Sprout - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All packets\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := uart.NewStatistics()
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	type result struct {
		frame     []byte
		packet    *uart.Packet
		err       error
		discarded uint64
	}
	results := make(chan result, 64)
	lost := make(chan error, 1)

	go func() {
		parser := uart.NewParser()
		lost <- readFrames(conn, parser, func(frame []byte, packet *uart.Packet, err error) bool {
			results <- result{frame, packet, err, parser.Discarded()}
			return false
		})
	}()

	// Decode errors before the first good frame are line noise
	synchronized := false
	var reported uint64

	for {
		select {
		case r := <-results:
			if r.err != nil {
				if synchronized {
					stats.Update(nil, r.err, nil)
					printDecodeError(r.frame, r.err)
				}
				continue
			}

			if !synchronized {
				synchronized = true
				if skipped := r.discarded; skipped > 0 {
					fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", skipped)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}
				reported = r.discarded
			}
			if d := r.discarded; d > reported {
				stats.AddDiscarded(d - reported)
				reported = d
			}

			validationErrors := uart.ValidatePacket(r.packet)
			stats.Update(r.packet, nil, validationErrors)

			switch {
			case len(validationErrors) > 0:
				printValidationErrors(r.packet, validationErrors)
			case r.packet.Type() == uart.TypeEvent:
				// Events are rare and always worth seeing
				fmt.Print(uart.FormatPacket(r.packet))
			case showAll:
				fmt.Print(uart.FormatPacket(r.packet))
			}

		case err := <-lost:
			fmt.Printf("\nConnection closed: %v\n\n", err)
			fmt.Print(stats.String())
			return nil

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
