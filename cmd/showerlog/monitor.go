package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/btshower"
	"github.com/fako1024/btshower/mqtt"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
)

const forwardQueueLen = 64

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect to the shower monitor and log its data",
	Long: `Scan for the shower monitor, connect once it has been found and log live
values and completed showers until interrupted. The connection is re-established
automatically whenever it is lost.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().Bool("history", false, "request the stored shower history after connecting")
	monitorCmd.Flags().String("mqtt", "", "MQTT broker to forward records to (e.g. tcp://localhost:1883)")
}

type monitorCommand struct {
	cfg      *config
	m        *btshower.Monitor
	metadata *btshower.MetadataTable
	out      io.Writer

	forward    chan btshower.RecordEvent
	connecting *atomic.Bool
	lastTry    time.Time

	logger btshower.Logger
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	if history, _ := cmd.Flags().GetBool("history"); history {
		cfg.RequestHistory = true
	}
	if cmd.Flags().Changed("mqtt") {
		cfg.MQTT.Broker, _ = cmd.Flags().GetString("mqtt")
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	defer logger.Sync() // nolint: errcheck

	metadata, err := cfg.metadata()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &monitorCommand{
		cfg:        cfg,
		metadata:   metadata,
		out:        cmd.OutOrStdout(),
		connecting: atomic.NewBool(false),
		logger:     logger,
	}

	// Forward records to MQTT (if configured), decoupled from the dispatch loop
	if cfg.MQTT.Broker != "" {
		pub := mqtt.NewPublisher(cfg.mqttConfig(), metadata, logger)
		if err := pub.Connect(ctx); err != nil {
			return err
		}
		defer pub.Disconnect()

		c.forward = make(chan btshower.RecordEvent, forwardQueueLen)
		go c.runForwarder(ctx, pub)
	}

	stateChan := make(chan btshower.ConnectionStatus, 8)
	c.m, err = cfg.newMonitor(logger, metadata,
		btshower.WithStateChangeChannel(stateChan),
		btshower.WithRecordHandler(c.handleRecord),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize shower monitor: %w", err)
	}

	if err := c.m.Scan(ctx); err != nil {
		if errors.Is(err, btshower.ErrAdapterUnavailable) {
			return fmt.Errorf("%w (please turn on Bluetooth)", err)
		}
		return err
	}
	logger.Infof("scanning for shower monitor `%s`", c.target())

	// Discovery stops once the target is found, re-check periodically after failures
	retry := time.NewTicker(c.retryInterval())
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("got signal, terminating connection to device")
			if err := c.m.Close(); err != nil {
				logger.Errorf("failed to close device: %s", err)
			}
			return nil

		case st := <-stateChan:
			c.handleState(ctx, st)

		case <-c.m.Updates():
			c.maybeConnect(ctx)
		case <-retry.C:
			c.maybeConnect(ctx)
		}
	}
}

func (c *monitorCommand) target() string {
	if c.cfg.Device.Address != "" {
		return c.cfg.Device.Address
	}
	return c.cfg.Device.Name
}

func (c *monitorCommand) retryInterval() time.Duration {
	if c.cfg.RetryInterval < time.Second {
		return time.Second
	}
	return c.cfg.RetryInterval
}

// maybeConnect connects to the target once it has been sighted and is idle
func (c *monitorCommand) maybeConnect(ctx context.Context) {
	target, found := c.m.Target()
	if !found || target.State != btshower.StateDisconnected {
		return
	}
	if time.Since(c.lastTry) < c.cfg.RetryInterval {
		return
	}
	if !c.connecting.CAS(false, true) {
		return
	}
	c.lastTry = time.Now()

	go func() {
		defer c.connecting.Store(false)

		connCtx := ctx
		if c.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
			defer cancel()
		}

		c.logger.Infof("connecting to `%s/%s` (RSSI %d)", target.Name, target.ID, target.RSSI)
		if err := c.m.Connect(connCtx, target.ID); err != nil {
			c.logger.Errorf("failed to connect to `%s`: %s", target.ID, err)
		}
	}()
}

func (c *monitorCommand) handleState(ctx context.Context, st btshower.ConnectionStatus) {
	if st.Error != nil {
		c.logger.Warnf("state change: %v (%s)", st.State, st.Error)
	} else {
		c.logger.Infof("state change: %v", st.State)
	}

	if st.State == btshower.StateConnected && c.cfg.RequestHistory {
		go func() {
			if err := c.m.RequestHistory(ctx); err != nil {
				c.logger.Errorf("failed to request history: %s", err)
			}
		}()
	}
}

// handleRecord is called from the dispatch loop, hence must not block
func (c *monitorCommand) handleRecord(event btshower.RecordEvent) {
	switch event.Kind {
	case btshower.KindCompleted:
		color.New(color.FgGreen, color.Bold).Fprintf(c.out, "completed shower %s\n", event.Record) // nolint: errcheck
	case btshower.KindHistory:
		fmt.Fprintf(c.out, "history: %s\n", event.Record)
	case btshower.KindValue:
		info, known := c.metadata.Lookup(event.Value.Channel)
		name := info.Name
		if !known {
			name = string(event.Value.Channel)
		}
		c.logger.Infof("%s: %s", name, info.Format(event.Value.Value))
	}

	if c.forward == nil {
		return
	}
	select {
	case c.forward <- event:
	default:
		c.logger.Warnf("MQTT forwarding queue full, dropping record")
	}
}

func (c *monitorCommand) runForwarder(ctx context.Context, pub *mqtt.Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.forward:
			if err := pub.Publish(event); err != nil {
				c.logger.Warnf("failed to forward record: %s", err)
			}
		}
	}
}
