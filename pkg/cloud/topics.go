// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cloud

import "fmt"

// Topics holds the per-device topic names
type Topics struct {
	Claim     string
	Binding   string
	Mode      string
	UploadURL string

	Ack            string
	Sensors        string
	ActionResult   string
	ImageInference string
}

// NewTopics derives every topic for the device with the given serial number
func NewTopics(serial string) Topics {
	control := func(name string) string { return fmt.Sprintf("devices/%s/control/%s", serial, name) }
	telemetry := func(name string) string { return fmt.Sprintf("devices/%s/telemetry/%s", serial, name) }
	return Topics{
		Claim:          control("claim"),
		Binding:        control("binding"),
		Mode:           control("mode"),
		UploadURL:      control("upload-url"),
		Ack:            telemetry("ack"),
		Sensors:        telemetry("sensors"),
		ActionResult:   telemetry("action-result"),
		ImageInference: telemetry("image-inference"),
	}
}

// Operational returns the control topics that are only subscribed while
// the device is claimed.
func (t Topics) Operational() []string {
	return []string{t.Binding, t.Mode, t.UploadURL}
}
