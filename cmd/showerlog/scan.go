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
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby peripherals",
	Long: `Scan for named Bluetooth Low Energy peripherals and list them in order of
discovery. The scan ends once the shower monitor has been found or after
scan_timeout has elapsed.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationP("duration", "d", 0, "scan duration (overrides scan_timeout)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("duration") {
		if cfg.ScanTimeout, err = cmd.Flags().GetDuration("duration"); err != nil {
			return err
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
	m, err := cfg.newMonitor(logger, metadata)
	if err != nil {
		return fmt.Errorf("failed to initialize shower monitor: %w", err)
	}
	defer m.Close() // nolint: errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ScanTimeout)
		defer cancel()
	}

	if err := m.Scan(ctx); err != nil {
		if errors.Is(err, btshower.ErrAdapterUnavailable) {
			return fmt.Errorf("%w (please turn on Bluetooth)", err)
		}
		return err
	}

	waitForScan(ctx, m)
	target, _ := m.Target()
	printPeripherals(cmd.OutOrStdout(), m.Peripherals(), target.ID)

	return nil
}

// waitForScan blocks until discovery stopped (i.e. the target was found) or ctx is done
func waitForScan(ctx context.Context, m *btshower.Monitor) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.Updates():
			if !m.Snapshot().ScanActive {
				return
			}
		}
	}
}

func printPeripherals(out io.Writer, peripherals []btshower.Peripheral, targetID string) {
	if len(peripherals) == 0 {
		fmt.Fprintln(out, "no peripherals found")
		return
	}

	target := color.New(color.FgGreen, color.Bold)
	faint := color.New(color.Faint)
	for _, p := range peripherals {
		line := fmt.Sprintf("%-24s %-40s %4d dBm  %s", p.Name, p.ID, p.RSSI, p.LastSeen.Format(time.TimeOnly))
		if targetID != "" && p.ID == targetID {
			target.Fprintln(out, line) // nolint: errcheck
			continue
		}
		faint.Fprintln(out, line) // nolint: errcheck
	}
}
