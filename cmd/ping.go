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
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the board link by sending PING and waiting for PONG",
	Long: `Send PING commands to the board and wait for PONG.

Useful for verifying:
  - The serial port or WebSocket bridge is open
  - The board firmware is running its command loop
  - Bidirectional frame flow works

Sensor data and events arriving while waiting are ignored.

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Sprout - Ping Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	// One reader for the whole run; pongs are matched in order
	pongChan := make(chan *uart.Packet, 8)
	errChan := make(chan error, 1)
	go func() {
		err := readFrames(conn, uart.NewParser(), func(_ []byte, packet *uart.Packet, err error) bool {
			if err == nil && packet.Is(uart.TypeCommand, uart.CmdPong) {
				select {
				case pongChan <- packet:
				default:
				}
			}
			return false
		})
		errChan <- err
	}()

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		// Drop late pongs from a previous timeout
		for len(pongChan) > 0 {
			<-pongChan
		}

		startTime := time.Now()
		if _, err := conn.Write(uart.EncodePacket(uart.NewPing())); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		select {
		case <-pongChan:
			rtt := time.Since(startTime)
			fmt.Printf("PONG from board, rtt=%v\n", rtt.Round(time.Millisecond))
			successCount++

		case err := <-errChan:
			fmt.Printf("READ FAILED: %v\n", err)
			failCount += pingCount - i + 1
			i = pingCount

		case <-time.After(time.Duration(pingTimeout) * time.Second):
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
