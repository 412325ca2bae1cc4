// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the appliance configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("config file not found")
	ErrInvalid  = errors.New("invalid config")
)

type Device struct {
	SerialNum string `json:"serial_num"`
}

type UART struct {
	Port     string `json:"port"`
	Baudrate int    `json:"baudrate"`
}

type Broker struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ClientID     string `json:"client_id"`
	KeepaliveSec int    `json:"keepalive_sec"`
	Transport    string `json:"transport"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type TLS struct {
	Enabled  bool `json:"enabled"`
	Insecure bool `json:"insecure"`
}

type MQTT struct {
	Broker Broker `json:"broker"`
	TLS    TLS    `json:"tls"`
	WSPath string `json:"ws_path"`
}

type Storage struct {
	DataDir     string `json:"data_dir"`
	StatePath   string `json:"state_path"`
	JournalPath string `json:"journal_path"`
}

// CameraView describes one camera
type CameraView struct {
	DeviceID int `json:"device_id"`
	Width    int `json:"width"`
	Height   int `json:"height"`
}

type Camera struct {
	Top               CameraView `json:"top"`
	Side              CameraView `json:"side"`
	CaptureTimeoutSec int        `json:"capture_timeout_sec"`
	// Command is run once per view with {device}, {width}, {height} and
	// {output} substituted.
	Command []string `json:"command"`
}

type Upload struct {
	TimeoutSec    int `json:"timeout_sec"`
	RetryCount    int `json:"retry_count"`
	RetryDelaySec int `json:"retry_delay_sec"`
}

type Inference struct {
	// Command is run with {top} and {side} substituted and must print one
	// JSON metrics object on stdout.
	Command    []string `json:"command"`
	TimeoutSec int      `json:"timeout_sec"`
}

type Loop struct {
	TickMS int `json:"tick_ms"`
}

type Link struct {
	ReadSize      int  `json:"read_size"`
	PollTimeoutMS int  `json:"poll_timeout_ms"`
	MaxReadErrors int  `json:"max_read_errors"`
	Reconnect     bool `json:"reconnect"`
}

// Config is the whole configuration document
type Config struct {
	Device    Device    `json:"device"`
	UART      UART      `json:"uart"`
	MQTT      MQTT      `json:"mqtt"`
	Storage   Storage   `json:"storage"`
	Camera    Camera    `json:"camera"`
	Upload    Upload    `json:"upload"`
	Inference Inference `json:"inference"`
	Timezone  string    `json:"timezone"`
	LogLevel  string    `json:"log_level"`
	Loop      Loop      `json:"loop"`
	Link      Link      `json:"link"`
}

// Default returns the configuration used for any field the file omits
func Default() Config {
	return Config{
		UART: UART{Port: "/dev/ttyTHS1", Baudrate: 115200},
		MQTT: MQTT{
			Broker: Broker{
				Host:         "localhost",
				Port:         1883,
				KeepaliveSec: 60,
				Transport:    "tcp",
			},
			WSPath: "/mqtt",
		},
		Storage: Storage{
			DataDir:     "data",
			StatePath:   "setting.json",
			JournalPath: filepath.Join("data", "journal.db"),
		},
		Camera: Camera{
			Top:               CameraView{DeviceID: 0, Width: 1920, Height: 1080},
			Side:              CameraView{DeviceID: 1, Width: 1920, Height: 1080},
			CaptureTimeoutSec: 5,
			Command: []string{
				"fswebcam", "-q", "--no-banner",
				"-d", "/dev/video{device}", "-r", "{width}x{height}", "{output}",
			},
		},
		Upload:    Upload{TimeoutSec: 30, RetryCount: 3, RetryDelaySec: 1},
		Inference: Inference{TimeoutSec: 60},
		Timezone:  "Local",
		LogLevel:  "info",
		Loop:      Loop{TickMS: 200},
		Link: Link{
			ReadSize:      64,
			PollTimeoutMS: 100,
			MaxReadErrors: 5,
			Reconnect:     true,
		},
	}
}

// Load reads path on top of the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays SPROUT_* environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SPROUT_SERIAL_NUM", &c.Device.SerialNum)
	str("SPROUT_UART_PORT", &c.UART.Port)
	str("SPROUT_MQTT_HOST", &c.MQTT.Broker.Host)
	str("SPROUT_MQTT_USERNAME", &c.MQTT.Broker.Username)
	str("SPROUT_MQTT_PASSWORD", &c.MQTT.Broker.Password)
	str("SPROUT_LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("SPROUT_MQTT_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.MQTT.Broker.Port = port
		}
	}
}

// Validate rejects configurations the daemon cannot run with
func (c Config) Validate() error {
	if c.Device.SerialNum == "" {
		return fmt.Errorf("%w: device.serial_num is required", ErrInvalid)
	}
	if c.UART.Port == "" {
		return fmt.Errorf("%w: uart.port is required", ErrInvalid)
	}
	if c.UART.Baudrate <= 0 {
		return fmt.Errorf("%w: uart.baudrate must be positive", ErrInvalid)
	}
	if c.MQTT.Broker.Host == "" || c.MQTT.Broker.Port <= 0 {
		return fmt.Errorf("%w: mqtt.broker host and port are required", ErrInvalid)
	}
	if c.Loop.TickMS <= 0 {
		return fmt.Errorf("%w: loop.tick_ms must be positive", ErrInvalid)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, c.Timezone, err)
	}
	return nil
}

// ClientID returns the MQTT client id, falling back to the serial number
func (c Config) ClientID() string {
	if c.MQTT.Broker.ClientID != "" {
		return c.MQTT.Broker.ClientID
	}
	return c.Device.SerialNum
}

// Location resolves the configured timezone
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (l Loop) Tick() time.Duration { return ms(l.TickMS) }

func (l Link) PollTimeout() time.Duration { return ms(l.PollTimeoutMS) }

func (c Camera) Timeout() time.Duration { return sec(c.CaptureTimeoutSec) }

func (u Upload) Timeout() time.Duration { return sec(u.TimeoutSec) }

func (u Upload) RetryDelay() time.Duration { return sec(u.RetryDelaySec) }

func (i Inference) Timeout() time.Duration { return sec(i.TimeoutSec) }

func (b Broker) Keepalive() time.Duration { return sec(b.KeepaliveSec) }

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

// SetupLogging configures the global logrus logger
func SetupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Debugf("log level set to %s", lvl)
}
