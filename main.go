// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Sprout - plant appliance controller
//
// Bridges the sensor/actuator board on the UART link to the cloud broker
// and provides link diagnostics for bench work.

package main

import (
	"os"

	"github.com/ssukssuk/sprout/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
