// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/ssukssuk/sprout/pkg/uart"
)

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send COMMAND [PAYLOAD_HEX]",
	Short: "Send one command to the board",
	Long: `Send a single COMMAND frame to the board.

COMMAND is a name such as led_on, req_sensor or pump_water_stop (case is
ignored). PAYLOAD_HEX is an optional payload, e.g. "01 02" or "0102".

--wait keeps the connection open and prints every packet received for the
given duration, e.g. --wait 3s after req_sensor to see the reading.

Known commands: ` + strings.Join(uart.CommandNames(), ", "),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "Print responses for this long after sending")
}

// parseHexPayload accepts hex bytes with optional spaces
func parseHexPayload(s string) ([]byte, error) {
	clean := strings.Join(strings.Fields(s), "")
	if clean == "" {
		return nil, nil
	}
	payload, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid payload hex: %w", err)
	}
	if len(payload) > uart.FirmwareMaxPayload {
		return nil, fmt.Errorf("payload %d bytes exceeds firmware limit %d", len(payload), uart.FirmwareMaxPayload)
	}
	return payload, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	subtype, err := uart.CommandByName(args[0])
	if err != nil {
		return err
	}
	var payload []byte
	if len(args) > 1 {
		if payload, err = parseHexPayload(args[1]); err != nil {
			return err
		}
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	packet := uart.NewCommand(subtype, payload)
	frame := uart.EncodePacket(packet)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", uart.FormatCommand(subtype), err)
	}
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Sent %s: %s\n", uart.FormatCommand(subtype), uart.FormatHex(frame))

	if sendWait <= 0 {
		return nil
	}

	fmt.Printf("Listening for %v...\n\n", sendWait)
	deadline := time.Now().Add(sendWait)
	done := make(chan struct{})
	go func() {
		defer close(done)
		readFrames(conn, uart.NewParser(), func(frame []byte, packet *uart.Packet, err error) bool {
			if time.Now().After(deadline) {
				return true
			}
			if err != nil {
				fmt.Printf("[ERROR] %v: %s\n", err, uart.FormatHex(frame))
				return false
			}
			fmt.Print(uart.FormatPacket(packet))
			return false
		})
	}()

	select {
	case <-done:
	case <-time.After(sendWait):
	}
	return nil
}
