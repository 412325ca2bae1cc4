// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/ssukssuk/sprout/pkg/uart"
)

var rawLogRecord string

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously decode and display board protocol packets as they arrive.

Each packet is shown with timestamp, type, subtype and decoded payload.
Sensor readings are expanded into temperature, humidity, nutrient and water
level values.

--record also writes every received frame to a CBOR capture file that the
replay command can play back.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogRecord, "record", "", "Write received frames to this capture file")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	var capture *uart.CaptureWriter
	if rawLogRecord != "" {
		f, err := os.Create(rawLogRecord)
		if err != nil {
			return fmt.Errorf("failed to create capture file: %w", err)
		}
		defer f.Close()
		capture = uart.NewCaptureWriter(f)
	}

	fmt.Printf("Sprout - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	if capture != nil {
		fmt.Printf("Recording: %s\n", rawLogRecord)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	err = readFrames(conn, uart.NewParser(), func(frame []byte, packet *uart.Packet, err error) bool {
		if capture != nil {
			if werr := capture.Write(uart.DirRX, frame, time.Now()); werr != nil {
				log.WithError(werr).Warn("Capture write failed")
			}
		}
		if err != nil {
			fmt.Printf("[ERROR] %v: %s\n", err, uart.FormatHex(frame))
			return false
		}
		fmt.Print(uart.FormatPacket(packet))
		return false
	})
	if err != nil {
		fmt.Println("Connection closed")
	}
	return nil
}
