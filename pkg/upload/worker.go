// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package upload photographs the plant on request, uploads the images to
// presigned URLs and reports inference results.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/message"
)

var (
	ErrCamera  = errors.New("camera failure")
	ErrUpload  = errors.New("upload failure")
	ErrRequest = errors.New("invalid upload request")
)

// DefaultSettle is how long the LED is given to go dark before capture
const DefaultSettle = 400 * time.Millisecond

var views = []string{message.ViewTop, message.ViewSide}

// Camera captures one still image per view
type Camera interface {
	Capture(ctx context.Context, view, path string) error
}

// Uploader sends a local file to a presigned URL
type Uploader interface {
	Put(ctx context.Context, url string, headers map[string]string, path string) error
}

// Inferencer measures the plant from the captured images
type Inferencer interface {
	Infer(ctx context.Context, topPath, sidePath string) (message.Metrics, error)
}

// Publisher sends one outbound message
type Publisher interface {
	Publish(topic string, v any) error
}

// Lights is the part of the LED scheduler the worker needs
type Lights interface {
	ForceOff() error
	Apply(state *device.State, now time.Time) error
}

// Deps are the worker's collaborators. Inferencer may be nil.
type Deps struct {
	Camera     Camera
	Uploader   Uploader
	Inferencer Inferencer
	Publisher  Publisher
	Lights     Lights
	Builder    *message.Builder
	// State returns the current device state, used to restore the LED
	State func() *device.State
}

// Worker runs one upload request at a time
type Worker struct {
	deps           Deps
	dataDir        string
	inferenceTopic string
	logger         *log.Entry

	Settle time.Duration
	Now    func() time.Time
	Sleep  func(time.Duration)
}

// NewWorker creates a worker saving images under dataDir and publishing
// inference results to inferenceTopic
func NewWorker(deps Deps, dataDir, inferenceTopic string) *Worker {
	return &Worker{
		deps:           deps,
		dataDir:        dataDir,
		inferenceTopic: inferenceTopic,
		logger:         log.WithField("component", "upload"),
		Settle:         DefaultSettle,
		Now:            time.Now,
		Sleep:          time.Sleep,
	}
}

type target struct {
	url       string
	objectKey string
	headers   map[string]string
}

type capture struct {
	path       string
	measuredAt string
}

// Handle processes one UPLOAD_URL message and returns its ack. A body that
// is not JSON at all returns an error and no ack.
func (w *Worker) Handle(ctx context.Context, data []byte) (*message.Ack, error) {
	var req message.UploadURL
	if err := message.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	logger := w.logger.WithField("msg_id", req.MsgID)
	err := w.process(ctx, &req, logger)

	b := w.deps.Builder
	switch {
	case err == nil:
		logger.Info("upload request completed")
		return b.Ack(req.Header, message.StatusOK), nil
	case errors.Is(err, ErrCamera):
		logger.WithError(err).Error("camera failure")
		return b.ErrorAck(req.Header, message.ErrCodeCamera, err.Error()), nil
	case errors.Is(err, ErrUpload):
		logger.WithError(err).Error("upload failure")
		return b.ErrorAck(req.Header, message.ErrCodeUpload, err.Error()), nil
	default:
		logger.WithError(err).Error("upload request failed")
		return b.ErrorAck(req.Header, message.ErrCodeInternal, err.Error()), nil
	}
}

func (w *Worker) process(ctx context.Context, req *message.UploadURL, logger *log.Entry) error {
	defer w.restoreLights(logger)

	targets, err := parseTargets(req)
	if err != nil {
		return err
	}
	plant, err := plantDir(req.PlantID)
	if err != nil {
		return err
	}

	dir := filepath.Join(w.dataDir, "images", plant, w.Now().Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}

	if err := w.deps.Lights.ForceOff(); err != nil {
		logger.WithError(err).Warn("LED off before capture failed")
	}
	w.Sleep(w.Settle)

	captured := make(map[string]capture, len(views))
	defer func() {
		for _, c := range captured {
			if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.WithError(err).Warnf("failed to delete %s", c.path)
			}
		}
		os.Remove(dir)
	}()

	for _, view := range views {
		path := filepath.Join(dir, strings.ToLower(view)+".jpg")
		// registered before capture so a partial file is still removed
		captured[view] = capture{path: path}
		if err := w.deps.Camera.Capture(ctx, view, path); err != nil {
			return fmt.Errorf("%w: %v", ErrCamera, err)
		}
		captured[view] = capture{path: path, measuredAt: w.deps.Builder.Timestamp(w.Now())}
	}
	logger.Debug("captured both views")

	for _, view := range views {
		t := targets[view]
		if err := w.deps.Uploader.Put(ctx, t.url, t.headers, captured[view].path); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUpload, view, err)
		}
	}
	logger.Info("uploaded both views")

	w.infer(ctx, req, targets, captured, logger)
	return nil
}

// infer failures are logged; the request still succeeds
func (w *Worker) infer(ctx context.Context, req *message.UploadURL, targets map[string]target, captured map[string]capture, logger *log.Entry) {
	if w.deps.Inferencer == nil {
		return
	}
	top, side := captured[message.ViewTop], captured[message.ViewSide]
	metrics, err := w.deps.Inferencer.Infer(ctx, top.path, side.path)
	if err != nil {
		logger.WithError(err).Warn("inference failed, skipping report")
		return
	}

	msg := w.deps.Builder.ImageInference(req.SerialNum, req.PlantID, metrics,
		message.ImageRef{ObjectKey: targets[message.ViewTop].objectKey, MeasuredAt: top.measuredAt},
		message.ImageRef{ObjectKey: targets[message.ViewSide].objectKey, MeasuredAt: side.measuredAt},
	)
	if err := w.deps.Publisher.Publish(w.inferenceTopic, msg); err != nil {
		logger.WithError(err).Warn("failed to publish inference")
		return
	}
	logger.WithField("symptom", msg.SymptomEnum).Info("inference published")
}

func (w *Worker) restoreLights(logger *log.Entry) {
	state := w.deps.State()
	if state == nil {
		return
	}
	if err := w.deps.Lights.Apply(state, w.Now()); err != nil {
		logger.WithError(err).Warn("LED restore failed")
	}
}

// plantDir returns the directory name for a plant. IDs that are not a single
// path element are rejected.
func plantDir(id *device.ID) (string, error) {
	if id == nil || *id == "" {
		return "unknown", nil
	}
	name := string(*id)
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: plant_id %q is not a valid directory name", ErrRequest, name)
	}
	return name, nil
}

func parseTargets(req *message.UploadURL) (map[string]target, error) {
	if req.Type != message.TypeUploadURL {
		return nil, fmt.Errorf("%w: type %q", ErrRequest, req.Type)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: missing items", ErrRequest)
	}

	targets := make(map[string]target, len(views))
	for _, item := range req.Items {
		if item.ViewType != message.ViewTop && item.ViewType != message.ViewSide {
			continue
		}
		headers := item.Headers
		if headers == nil {
			headers = map[string]string{"Content-Type": "image/jpeg"}
		}
		targets[item.ViewType] = target{url: item.UploadURL, objectKey: item.ObjectKey, headers: headers}
	}

	for _, view := range views {
		t, ok := targets[view]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s in items", ErrRequest, view)
		}
		if t.url == "" {
			return nil, fmt.Errorf("%w: %s has no upload_url", ErrRequest, view)
		}
	}
	return targets, nil
}
