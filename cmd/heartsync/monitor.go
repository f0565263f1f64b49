package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/heartsync/heartsync/internal/device"
	"github.com/heartsync/heartsync/internal/stream"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a device's live heart rate",
	Long: `Connect to a device's stream and print the live heart rate and
battery readout until interrupted.

With --simulate (the default) the readings come from the built-in
waveform generator echoed through the stream endpoint.`,
	RunE: runMonitor,
}

var (
	monitorDeviceID string
	monitorPatient  string
	monitorSimulate bool
	monitorVerbose  bool
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorDeviceID, "device", "d", "sim-ecg-1", "Device id to stream from")
	monitorCmd.Flags().StringVarP(&monitorPatient, "patient", "p", "", "Patient id for session bookkeeping")
	monitorCmd.Flags().BoolVar(&monitorSimulate, "simulate", true, "Generate synthetic readings")
	monitorCmd.Flags().BoolVar(&monitorVerbose, "verbose", false, "Verbose logging")
}

const clearLine = "\r\033[K"

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := stream.NewClient(stream.Config{
		DeviceURL:            cfg.Stream.DeviceURL,
		SampleInterval:       cfg.Stream.SampleInterval,
		Simulate:             monitorSimulate,
		ReconnectBase:        cfg.Stream.ReconnectBase,
		ReconnectMax:         cfg.Stream.ReconnectMax,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
	}, nil, logger)
	defer client.Close()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	hrColor := color.New(color.FgRed, color.Bold)
	statusColor := color.New(color.FgCyan)

	unsubStatus := client.AddStatusListener(func(status device.ConnectionStatus) {
		if interactive {
			fmt.Print(clearLine)
		}
		statusColor.Printf("[%s]\n", status)
	})
	defer unsubStatus()

	lastPrint := time.Now()
	unsubData := client.AddDataListener(func(s device.Sample) {
		// The waveform arrives at sample rate; refresh the readout at a
		// human pace.
		if time.Since(lastPrint) < 500*time.Millisecond {
			return
		}
		lastPrint = time.Now()

		hr := "--"
		if s.HeartRate != nil {
			hr = fmt.Sprintf("%d", *s.HeartRate)
		}
		battery := "--"
		if s.BatteryLevel != nil {
			battery = fmt.Sprintf("%d%%", *s.BatteryLevel)
		}

		if interactive {
			fmt.Print(clearLine)
			fmt.Printf("%s  ", s.Timestamp.Format("15:04:05"))
			hrColor.Printf("%s bpm", hr)
			fmt.Printf("  battery %s  amplitude %+.3f", battery, s.Amplitude)
		} else {
			fmt.Printf("%s hr=%s battery=%s amplitude=%+.3f\n",
				s.Timestamp.Format(time.RFC3339), hr, battery, s.Amplitude)
		}
	})
	defer unsubData()

	fmt.Printf("Monitoring %s (Ctrl+C to stop)\n", monitorDeviceID)
	if err := client.Connect(ctx, monitorDeviceID, monitorPatient); err != nil {
		return err
	}

	<-ctx.Done()

	if interactive {
		fmt.Print(clearLine)
	}
	fmt.Println("Stopping...")
	client.Disconnect()
	return nil
}
