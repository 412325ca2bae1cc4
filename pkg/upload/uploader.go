// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// HTTPUploader PUTs files to presigned URLs
type HTTPUploader struct {
	Client     *http.Client
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
}

// NewHTTPUploader creates an uploader with the given per-attempt timeout
// and retry policy
func NewHTTPUploader(timeout time.Duration, attempts int, delay time.Duration) *HTTPUploader {
	if attempts < 1 {
		attempts = 1
	}
	return &HTTPUploader{
		Client:     &http.Client{},
		Timeout:    timeout,
		Attempts:   attempts,
		RetryDelay: delay,
	}
}

// Put uploads the file at path. 200 and 204 count as success.
func (u *HTTPUploader) Put(ctx context.Context, url string, headers map[string]string, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var lastErr error
	for attempt := 1; attempt <= u.Attempts; attempt++ {
		lastErr = u.put(ctx, url, headers, data)
		if lastErr == nil {
			return nil
		}
		if attempt < u.Attempts {
			log.WithFields(log.Fields{"component": "upload", "attempt": attempt}).WithError(lastErr).Warn("upload failed, retrying")
			select {
			case <-time.After(u.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (u *HTTPUploader) put(ctx context.Context, url string, headers map[string]string, data []byte) error {
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := u.Client.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 100))
	return fmt.Errorf("upload failed: HTTP %d - %s", resp.StatusCode, body)
}
