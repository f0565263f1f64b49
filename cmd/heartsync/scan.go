package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/heartsync/heartsync/internal/device"
	"github.com/heartsync/heartsync/internal/discovery"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for cardiac monitors",
	Long: `Scan for nearby cardiac monitors over BLE and the local network.

Discovered devices are printed with their id, name, transport, and signal
strength. Zero devices found is a normal outcome, not an error.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanVerbose  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "Verbose logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	manager := discovery.NewManager(discovery.Config{
		ScanTimeout:  scanDuration,
		NamePrefixes: cfg.Discovery.NamePrefixes,
	}, simulatedProber(cfg), logger)
	defer manager.Close()

	if !manager.IsSupported() {
		fmt.Fprintln(os.Stderr, "Note: BLE is unavailable on this host; scanning the network only")
	}

	fmt.Printf("Scanning for %s...\n", scanDuration)
	devices := manager.Scan(cmd.Context())

	switch scanFormat {
	case "json":
		return printDevicesJSON(devices)
	default:
		printDevicesTable(devices)
	}
	return nil
}

func printDevicesJSON(devices []device.DiscoveredDevice) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}

func printDevicesTable(devices []device.DiscoveredDevice) {
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tRSSI\tBATTERY")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		rssi := "-"
		if d.SignalStrength != nil {
			rssi = fmt.Sprintf("%d", *d.SignalStrength)
		}
		battery := "-"
		if d.BatteryLevel != nil {
			battery = fmt.Sprintf("%d%%", *d.BatteryLevel)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, name, d.Transport, rssi, battery)
	}
	w.Flush()

	fmt.Printf("\nFound %d device(s)\n", len(devices))
}
