package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bigbag/rtflash/internal/bootrec"
	"github.com/bigbag/rtflash/internal/config"
	"github.com/bigbag/rtflash/internal/detect"
	"github.com/bigbag/rtflash/internal/flasher"
	"github.com/bigbag/rtflash/internal/logging"
	"github.com/bigbag/rtflash/internal/protocol"
	"github.com/bigbag/rtflash/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag  string
	debugFlag   bool
	addressFlag string
	lengthFlag  string
	scanFlag    bool
)

// timeFormat renders app record timestamps.
const timeFormat = "15:04:05 2006/01/02"

// maxBlockCount is the largest read length taken as a block count.
const maxBlockCount = 2048

var settings = config.NewViper()

func main() {
	rootCmd := &cobra.Command{
		Use:   "rtflash",
		Short: "Flash firmware to i.MX RT10xx boards",
		Long: `rtflash talks to the bootloader monitor of i.MX RT10xx boards over
a serial port. It installs firmware images, reads flash contents and
shows the boot records.

Settings come from built-in defaults, an optional --config file,
RTFLASH_* environment variables and flags, in increasing priority.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "D", false, "Log every frame")
	rootCmd.PersistentFlags().StringP("port", "p", "", "Serial port (auto-detect if not specified)")
	rootCmd.PersistentFlags().IntP("baud", "b", protocol.DefaultBaudRate, "Baud rate")
	rootCmd.PersistentFlags().Duration("timeout", protocol.DefaultReadTimeout, "Per-read timeout")
	rootCmd.PersistentFlags().Int("retries", flasher.DefaultAttempts, "Attempts per block write")
	for _, key := range []string{"port", "baud", "timeout", "retries"} {
		settings.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show bootloader version and boot records",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	bootCmd := &cobra.Command{
		Use:   "boot",
		Short: "Show boot records",
		Args:  cobra.NoArgs,
		RunE:  runBoot,
	}

	// Read command
	readCmd := &cobra.Command{
		Use:   "read [file]",
		Short: "Read flash contents",
		Long: `Read a flash region in 4KB blocks, optionally saving it to a file.

A length of 2048 or less is a block count, anything larger is bytes.
Address and length accept 0x prefixed hex.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRead,
	}
	readCmd.Flags().StringVarP(&addressFlag, "address", "a", "0x60000000", "Start address")
	readCmd.Flags().StringVarP(&lengthFlag, "length", "L", "1", "Length in bytes or blocks")

	// Write command
	writeCmd := &cobra.Command{
		Use:   "write <firmware.bin>",
		Short: "Install a firmware image",
		Long: `Write a firmware image to flash at the address given by its IVT,
check the device's SHA-256 of the written region and record it as an
application in the boot record.`,
		Args: cobra.ExactArgs(1),
		RunE: runWrite,
	}
	writeCmd.Flags().StringP("name", "n", "MicroPython", "Application name for the boot record")
	writeCmd.Flags().Bool("activate", false, "Mark the application active")
	settings.BindPFlag("app_name", writeCmd.Flags().Lookup("name"))
	settings.BindPFlag("activate", writeCmd.Flags().Lookup("activate"))

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rtflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}
	listCmd.Flags().BoolVar(&scanFlag, "scan", false, "Ask every port for a bootloader version")

	rootCmd.AddCommand(infoCmd, bootCmd, readCmd, writeCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and builds the session logger.
func setup() (*config.Config, logr.Logger, error) {
	cfg, err := config.Load(settings, configFlag)
	if err != nil {
		return nil, logr.Discard(), err
	}
	if debugFlag {
		cfg.Log.Level = "debug"
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, logr.Discard(), err
	}
	return cfg, log.WithName("rtflash").WithValues("session", uuid.NewString()), nil
}

// openSession resolves the port and returns an unopened session.
func openSession(cfg *config.Config, log logr.Logger) (*flasher.Flasher, error) {
	portName := cfg.Port
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(detect.SerialScanner(cfg.Baud))
		if err != nil {
			return nil, fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found %s on %s\n", result.Version, result.Port)
	}

	log.Info("using port", "port", portName, "baud", cfg.Baud, "timeout", cfg.Timeout.String())
	return flasher.New(flasher.SerialOpener(portName, cfg.Baud, cfg.Timeout), flasher.Config{
		Attempts:  cfg.Retries,
		DataDelay: cfg.DataDelay,
		Activate:  cfg.Activate,
		Logger:    log,
		Fs:        afero.NewOsFs(),
	}), nil
}

// attachProgress shows a progress bar for block transfers when stdout
// is a terminal.
func attachProgress(f *flasher.Flasher, description string) func() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return func() {}
	}

	var bar *progressbar.ProgressBar
	f.SetProgressCallback(func(current, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(description),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(current)
	})
	return func() {
		if bar != nil {
			bar.Finish()
		}
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	f, err := openSession(cfg, log)
	if err != nil {
		return err
	}
	defer f.Close()

	ver, err := f.DeviceInfo()
	if err != nil {
		return fmt.Errorf("error requesting device information: %w", err)
	}
	fmt.Printf("Device detected: %s\n\n", ver)

	return showBootInfo(f)
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	f, err := openSession(cfg, log)
	if err != nil {
		return err
	}
	defer f.Close()

	return showBootInfo(f)
}

func showBootInfo(f *flasher.Flasher) error {
	apps, err := f.BootInfo()
	if err != nil {
		return fmt.Errorf("error requesting app boot record: %w", err)
	}

	fmt.Println("Boot applications records:")
	fmt.Println("--------------------------")
	for i, app := range apps {
		if i > 0 {
			fmt.Println()
		}
		printAppRecord(i+1, app)
	}
	fmt.Println("--------------------------")
	return nil
}

func printAppRecord(idx int, app bootrec.AppRecord) {
	if !app.Configured() {
		fmt.Printf("Application %d:\n  Not configured\n", idx)
		return
	}

	active := "No"
	if app.Active {
		active = "Yes"
	}
	timestamp := "-"
	if !app.Timestamp.IsZero() {
		timestamp = app.Timestamp.Format(timeFormat)
	}

	fmt.Printf("Application %d:\n", idx)
	fmt.Printf("     Name: '%s'\n", app.Name)
	fmt.Printf("  Address: 0x%08X\n", app.Address)
	fmt.Printf("     Size: %d (%s)\n", app.Size, humanize.IBytes(uint64(app.Size)))
	fmt.Printf("Timestamp: %s\n", timestamp)
	fmt.Printf("   Active: %s\n", active)
	fmt.Printf("   SHA256: [%s]\n", hexUpper(app.SHA256[:]))
}

func runRead(cmd *cobra.Command, args []string) error {
	address, err := parseUint32(addressFlag)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	length, err := parseUint32(lengthFlag)
	if err != nil {
		return fmt.Errorf("invalid length: %w", err)
	}
	if length <= maxBlockCount {
		length *= protocol.BlockSize
	}
	// validate before touching the port or the output file
	if err := flasher.CheckAddress(address, length, protocol.FlashBase); err != nil {
		return err
	}

	cfg, log, err := setup()
	if err != nil {
		return err
	}
	f, err := openSession(cfg, log)
	if err != nil {
		return err
	}
	defer f.Close()

	var dest afero.File
	tofile := ""
	if len(args) == 1 {
		dest, err = afero.NewOsFs().Create(args[0])
		if err != nil {
			return fmt.Errorf("error opening destination file: %w", err)
		}
		defer dest.Close()
		tofile = fmt.Sprintf(" to '%s'", args[0])
	}

	fmt.Println("Reading Flash data...")
	done := attachProgress(f, "Reading")
	report, err := f.ReadRegion(address, length, dest)
	done()
	if err != nil {
		fmt.Printf("%d of %d bytes received\n", report.Transferred, length)
		return err
	}

	fmt.Printf("%d bytes received in %.3f seconds (%s/sec)%s\n",
		report.Transferred, report.Stats.Elapsed.Seconds(),
		humanize.IBytes(uint64(report.Stats.Rate())), tofile)
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	path := args[0]

	cfg, log, err := setup()
	if err != nil {
		return err
	}
	f, err := openSession(cfg, log)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Printf("Write file '%s' as '%s'...\n", path, cfg.AppName)
	done := attachProgress(f, "Writing")
	report, err := f.WriteFirmware(path, cfg.AppName)
	done()

	if report.Write != nil {
		fmt.Printf("Flash address 0x%08X, size=%s (%s padded)\n",
			report.Address, humanize.IBytes(uint64(report.Size)), humanize.IBytes(uint64(report.Padded)))
	}
	if err != nil {
		printWriteFailure(report, err)
		return err
	}

	stats := report.Write.Stats()
	fmt.Printf("%d bytes written in %.3f seconds (%s/sec) from '%s'; retries:%d\n",
		stats.Bytes, stats.Elapsed.Seconds(), humanize.IBytes(uint64(stats.Rate())), path, report.Write.Retries)
	fmt.Println("SHA256:")
	fmt.Println("----------------------")
	fmt.Printf("Flashed: [%s]\n", hexUpper(report.SHA256[:]))
	fmt.Println("----------------------")
	fmt.Printf("Boot record written at %s\n", report.Timestamp.Format(timeFormat))
	return nil
}

func printWriteFailure(report *flasher.FirmwareReport, err error) {
	var we *flasher.WriteError
	if errors.As(err, &we) {
		for _, line := range we.Diagnostics() {
			fmt.Printf("  %s\n", line)
		}
		if report.Write != nil {
			fmt.Printf("%d bytes written, %d remaining; retries:%d\n",
				report.Write.Written, report.Write.Remaining, report.Write.Retries)
		}
	}

	var mismatch *flasher.SHAMismatchError
	if errors.As(err, &mismatch) {
		fmt.Println("SHA256:")
		fmt.Println("----------------------")
		fmt.Printf("Flashed: [%s]\n", hexUpper(mismatch.Device[:]))
		fmt.Printf("   File: [%s]\n", hexUpper(mismatch.Image[:]))
		fmt.Println("----------------------")
	}
}

func runList(cmd *cobra.Command, args []string) error {
	if scanFlag {
		return runScan()
	}

	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

func runScan() error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}

	fmt.Println("Scanning for bootloader monitors...")
	devices, err := detect.ListDevices(detect.SerialScanner(cfg.Baud))
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %s: %s\n", d.Port, d.Version)
	}
	return nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func hexUpper(b []byte) string {
	return strings.ToUpper(fmt.Sprintf("%x", b))
}
