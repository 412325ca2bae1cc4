// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ssukssuk/sprout/pkg/message"
)

// expand substitutes {name} placeholders in every argument
func expand(template []string, vars map[string]string) []string {
	out := make([]string, len(template))
	for i, arg := range template {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		out[i] = arg
	}
	return out
}

// run executes argv with a deadline and returns its stdout
func run(ctx context.Context, timeout time.Duration, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return stdout.Bytes(), nil
}

// View is one camera's capture settings
type View struct {
	DeviceID int
	Width    int
	Height   int
}

// CommandCamera captures stills by running an external program
type CommandCamera struct {
	Command []string
	Timeout time.Duration
	Views   map[string]View
}

// Capture writes one image for view to path
func (c *CommandCamera) Capture(ctx context.Context, view, path string) error {
	v, ok := c.Views[view]
	if !ok {
		return fmt.Errorf("no camera configured for %s", view)
	}
	argv := expand(c.Command, map[string]string{
		"device": fmt.Sprint(v.DeviceID),
		"width":  fmt.Sprint(v.Width),
		"height": fmt.Sprint(v.Height),
		"output": path,
	})
	if _, err := run(ctx, c.Timeout, argv); err != nil {
		return fmt.Errorf("camera %d: %w", v.DeviceID, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("camera %d produced no image: %w", v.DeviceID, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("camera %d produced an empty image", v.DeviceID)
	}
	return nil
}

// CommandInferencer measures the plant by running an external program that
// prints a JSON metrics object
type CommandInferencer struct {
	Command []string
	Timeout time.Duration
}

// Infer runs the model on the two images
func (c *CommandInferencer) Infer(ctx context.Context, topPath, sidePath string) (message.Metrics, error) {
	argv := expand(c.Command, map[string]string{"top": topPath, "side": sidePath})
	out, err := run(ctx, c.Timeout, argv)
	if err != nil {
		return message.Metrics{}, err
	}
	var m message.Metrics
	if err := json.Unmarshal(bytes.TrimSpace(out), &m); err != nil {
		return message.Metrics{}, fmt.Errorf("parse inference output: %w", err)
	}
	return m, nil
}
