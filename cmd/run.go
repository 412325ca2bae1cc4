// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/ssukssuk/sprout/pkg/cloud"
	"github.com/ssukssuk/sprout/pkg/config"
	"github.com/ssukssuk/sprout/pkg/controller"
	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/journal"
	"github.com/ssukssuk/sprout/pkg/led"
	"github.com/ssukssuk/sprout/pkg/message"
	"github.com/ssukssuk/sprout/pkg/uart"
	"github.com/ssukssuk/sprout/pkg/upload"
)

var (
	runCapture   string
	runNoJournal bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the appliance controller",
	Long: `Run the appliance controller until interrupted.

Loads the configuration file (--config), opens the board UART and the broker
connection, and runs the control loop. SIGINT or SIGTERM triggers the
shutdown sequence: CLOSE to the board, LED off, both pumps stopped, broker
disconnect.

--port/--baud override the configured UART. --url runs against a WebSocket
serial bridge instead of a local port.

Environment overrides: SPROUT_SERIAL_NUM, SPROUT_UART_PORT, SPROUT_MQTT_HOST,
SPROUT_MQTT_PORT, SPROUT_MQTT_USERNAME, SPROUT_MQTT_PASSWORD, SPROUT_LOG_LEVEL.`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runCapture, "capture", "", "Record every board frame to this CBOR capture file")
	runCmd.Flags().BoolVar(&runNoJournal, "no-journal", false, "Disable the duplicate message journal")
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		config.SetupLogging(cfg.LogLevel)
	}
	if portName != "" {
		cfg.UART.Port = portName
	}
	if cmd.Flags().Changed("baud") {
		cfg.UART.Baudrate = baudRate
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithFields(log.Fields{
		"serial": cfg.Device.SerialNum,
		"port":   cfg.UART.Port,
	})
	logger.Info("starting controller")

	store := device.NewFileStore(cfg.Storage.StatePath)

	var jr controller.Journal
	if !runNoJournal {
		j, err := journal.Open(ctx, cfg.Storage.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		jr = j
	}

	link, linkInfo, err := openRunLink(cfg)
	if err != nil {
		return err
	}
	defer link.Close()
	logger.WithField("link", linkInfo).Info("board link open")

	if runCapture != "" {
		f, err := os.Create(runCapture)
		if err != nil {
			return fmt.Errorf("failed to create capture file: %w", err)
		}
		defer f.Close()
		link.SetCapture(uart.NewCaptureWriter(f))
	}

	topics := cloud.NewTopics(cfg.Device.SerialNum)
	builder := message.NewBuilder(cfg.Device.SerialNum, loc)
	lights := led.New(link)

	broker := cfg.MQTT.Broker
	client := cloud.New(cloud.Options{
		Broker:         cloud.BrokerURL(broker.Transport, broker.Host, broker.Port, cfg.MQTT.TLS.Enabled, cfg.MQTT.WSPath),
		ClientID:       cfg.ClientID(),
		Username:       broker.Username,
		Password:       broker.Password,
		KeepAlive:      broker.Keepalive(),
		TLSInsecure:    cfg.MQTT.TLS.Insecure,
		ConnectTimeout: 10 * time.Second,
	})

	var ctrl *controller.Controller
	worker := upload.NewWorker(upload.Deps{
		Camera:     newCamera(cfg.Camera),
		Uploader:   upload.NewHTTPUploader(cfg.Upload.Timeout(), cfg.Upload.RetryCount, cfg.Upload.RetryDelay()),
		Inferencer: newInferencer(cfg.Inference),
		Publisher:  client,
		Lights:     lights,
		Builder:    builder,
		State:      func() *device.State { return ctrl.Snapshot() },
	}, cfg.Storage.DataDir, topics.ImageInference)

	opts := controller.DefaultOptions()
	opts.Tick = cfg.Loop.Tick()
	ctrl, err = controller.New(controller.Deps{
		Link:    link,
		Bridge:  client,
		Store:   store,
		Builder: builder,
		LED:     lights,
		Journal: jr,
		Uploads: worker,
		Topics:  topics,
	}, opts)
	if err != nil {
		return err
	}

	link.OnReconnect(ctrl.HandleLinkReconnect)
	client.OnConnect(ctrl.HandleConnect)

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		// Connect retry keeps going in the background
		logger.Warn("broker not reachable yet, continuing offline")
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	return ctrl.Run(ctx)
}

func openRunLink(cfg config.Config) (*uart.Link, string, error) {
	lc := uart.DefaultLinkConfig()
	lc.ReadSize = cfg.Link.ReadSize
	lc.PollTimeout = cfg.Link.PollTimeout()
	lc.MaxReadErrors = cfg.Link.MaxReadErrors
	lc.Reconnect = cfg.Link.Reconnect

	if wsURL != "" {
		return OpenLink(lc)
	}

	dial := serialDialer(cfg.UART.Port, cfg.UART.Baudrate)
	conn, err := dial()
	if err != nil {
		return nil, "", err
	}
	return uart.NewLink(conn, dial, lc), fmt.Sprintf("Serial: %s @ %d baud", cfg.UART.Port, cfg.UART.Baudrate), nil
}

func newCamera(c config.Camera) *upload.CommandCamera {
	view := func(v config.CameraView) upload.View {
		return upload.View{DeviceID: v.DeviceID, Width: v.Width, Height: v.Height}
	}
	return &upload.CommandCamera{
		Command: c.Command,
		Timeout: c.Timeout(),
		Views: map[string]upload.View{
			message.ViewTop:  view(c.Top),
			message.ViewSide: view(c.Side),
		},
	}
}

// newInferencer returns nil when no inference command is configured
func newInferencer(i config.Inference) upload.Inferencer {
	if len(i.Command) == 0 {
		return nil
	}
	return &upload.CommandInferencer{Command: i.Command, Timeout: i.Timeout()}
}
