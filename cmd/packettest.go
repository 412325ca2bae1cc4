// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/ssukssuk/sprout/pkg/uart"
)

var (
	packetTestTimeout int
	packetTestReady   bool
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid board packet",
	Long: `Wait for a valid board protocol packet on the connection until timeout.

Invalid bytes are skipped until a complete frame with a matching checksum
arrives. --ready sends READY first, which makes an idle board start talking.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
	packetTestCmd.Flags().BoolVar(&packetTestReady, "ready", false, "Send READY before waiting")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Sprout - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)

	if packetTestReady {
		if _, err := conn.Write(uart.EncodePacket(uart.NewReady())); err != nil {
			fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("Sent READY\n")
	}
	fmt.Printf("Waiting for valid packet...\n\n")

	packetChan := make(chan *uart.Packet, 1)
	errChan := make(chan error, 1)

	go func() {
		parser := uart.NewParser()
		err := readFrames(conn, parser, func(_ []byte, packet *uart.Packet, err error) bool {
			if err != nil {
				return false
			}
			if skipped := parser.Discarded(); skipped > 0 {
				fmt.Printf("(skipped %d invalid bytes before sync)\n", skipped)
			}
			packetChan <- packet
			return true
		})
		if err != nil {
			errChan <- err
		}
	}()

	select {
	case packet := <-packetChan:
		fmt.Printf("SUCCESS: Received valid packet\n")
		fmt.Printf("  Type: %s (0x%02X)\n", uart.FormatType(packet.Type()), packet.Type())
		fmt.Printf("  Subtype: %s (0x%02X)\n", uart.FormatSubtype(packet.Type(), packet.Subtype()), packet.Subtype())
		fmt.Printf("  Length: %d bytes\n", packet.Length())
		fmt.Printf("  Checksum: 0x%02X\n", packet.Checksum())
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
