// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"io"
	"time"

	"github.com/ssukssuk/sprout/pkg/uart"
)

// frameFunc receives each delimited frame with its decode result. packet is
// nil when err is set.
type frameFunc func(frame []byte, packet *uart.Packet, err error) (stop bool)

// readFrames reads conn until fn asks to stop or the connection is lost.
// Transient read errors are retried after a short pause.
func readFrames(conn io.Reader, parser *uart.Parser, fn frameFunc) error {
	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if uart.IsLinkLost(err) {
				return err
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, frame := range parser.Feed(buf[:n]) {
			packet, decodeErr := uart.Decode(frame)
			if fn(frame, packet, decodeErr) {
				return nil
			}
		}
	}
}
