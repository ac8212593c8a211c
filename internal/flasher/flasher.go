// Package flasher drives the bootloader monitor: flash reads and writes,
// firmware installation and boot record queries.
package flasher

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/bigbag/rtflash/internal/bootrec"
	"github.com/bigbag/rtflash/internal/image"
	"github.com/bigbag/rtflash/internal/link"
	"github.com/bigbag/rtflash/internal/protocol"
	"github.com/bigbag/rtflash/internal/serial"
)

// Port is an open connection to the device.
type Port interface {
	link.Port
	Close() error
}

// Opener opens the connection on first use.
type Opener func() (Port, error)

// SerialOpener returns an Opener for a serial port. Stale input is
// discarded right after opening.
func SerialOpener(portName string, baudRate int, readTimeout time.Duration) Opener {
	return func() (Port, error) {
		port, err := serial.Open(portName, baudRate, readTimeout)
		if err != nil {
			return nil, err
		}
		if err := port.Flush(); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to flush port %s: %w", portName, err)
		}
		return port, nil
	}
}

// Config holds session settings.
type Config struct {
	// Attempts per block write. Zero means DefaultAttempts.
	Attempts int

	// DataDelay is the pause between a write command and its data.
	DataDelay time.Duration

	// Activate sets the active flag on app records written by
	// WriteFirmware.
	Activate bool

	Logger logr.Logger
	Fs     afero.Fs

	// Now stamps app records. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Attempts:  DefaultAttempts,
		DataDelay: DefaultDataDelay,
		Logger:    logr.Discard(),
		Fs:        afero.NewOsFs(),
		Now:       time.Now,
	}
}

// Flasher is one session with the bootloader monitor. It owns the port,
// which is opened by the first operation and released by Close.
type Flasher struct {
	cfg  Config
	open Opener
	log  logr.Logger

	port    Port
	link    *link.Link
	engine  *Engine
	records *bootrec.Client

	progress ProgressCallback
}

// New creates a Flasher. Zero fields of cfg take their defaults.
func New(open Opener, cfg Config) *Flasher {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Fs == nil {
		cfg.Fs = def.Fs
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Flasher{cfg: cfg, open: open, log: cfg.Logger}
}

// SetProgressCallback sets the progress callback used by block transfers.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
	if f.engine != nil {
		f.engine.SetProgressCallback(cb)
	}
}

// Close releases the port. It is safe to call more than once.
func (f *Flasher) Close() error {
	if f.port == nil {
		return nil
	}
	err := f.port.Close()
	f.port = nil
	f.link = nil
	f.engine = nil
	f.records = nil
	return err
}

// connect opens the port if it is not open yet.
func (f *Flasher) connect() error {
	if f.port != nil {
		return nil
	}
	port, err := f.open()
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	f.port = port
	f.link = link.New(port, link.WithLogger(f.log.WithName("link")))
	f.engine = NewEngine(f.link, f.log.WithName("transfer"), f.cfg.Attempts, f.cfg.DataDelay)
	f.engine.SetProgressCallback(f.progress)
	f.records = bootrec.NewClient(f.link)
	return nil
}

// DeviceInfo returns the bootloader version string.
func (f *Flasher) DeviceInfo() (string, error) {
	if err := f.connect(); err != nil {
		return "", err
	}
	data, err := f.link.SendCommand(protocol.CmdGetVersion, 0, 0, 0)
	if err != nil {
		return "", fmt.Errorf("get version failed: %w", err)
	}
	return strings.TrimRight(string(data), "\x00"), nil
}

// BootInfo returns both app records.
func (f *Flasher) BootInfo() ([bootrec.NumSlots]bootrec.AppRecord, error) {
	if err := f.connect(); err != nil {
		return [bootrec.NumSlots]bootrec.AppRecord{}, err
	}
	return f.records.ReadAppRecords()
}

// ReadReport describes a ReadRegion run.
type ReadReport struct {
	Address     uint32
	Length      uint32
	Transferred uint32

	// Stats is set only when the whole region was read.
	Stats    Stats
	Complete bool
}

// ReadRegion copies a flash region into dest block by block. The region
// is validated before the port is opened. On error the report tells how
// many bytes reached dest.
func (f *Flasher) ReadRegion(address, length uint32, dest io.Writer) (*ReadReport, error) {
	report := &ReadReport{Address: address, Length: length}
	if err := CheckAddress(address, length, protocol.FlashBase); err != nil {
		return report, err
	}
	if err := f.connect(); err != nil {
		return report, err
	}
	if dest == nil {
		dest = io.Discard
	}

	r, err := f.engine.ReadRegion(address, length)
	if err != nil {
		return report, err
	}
	for r.Next() {
		if _, err := dest.Write(r.Block()); err != nil {
			return report, fmt.Errorf("failed to store block 0x%08X: %w", r.Address(), err)
		}
		report.Transferred = r.Transferred()
	}
	if err := r.Err(); err != nil {
		return report, err
	}

	report.Stats, report.Complete = r.Stats()
	f.log.V(1).Info("region read", "address", fmt.Sprintf("0x%08X", address),
		"bytes", report.Transferred, "elapsed", report.Stats.Elapsed.String())
	return report, nil
}

// WriteFirmware installs the image at path as appName: upload, device
// SHA-256 check, then the app record. The record is never written unless
// the device digest matches the image.
func (f *Flasher) WriteFirmware(path, appName string) (*FirmwareReport, error) {
	report := &FirmwareReport{Name: appName}
	report.enter(StateIdle)

	abort := func(err error) (*FirmwareReport, error) {
		failed := report.State
		report.enter(StateAborted)
		f.log.Info("firmware write aborted", "state", failed.String(), "error", err.Error())
		return report, &AbortError{State: failed, Err: err}
	}

	report.enter(StateValidating)
	img, err := image.Load(f.cfg.Fs, path)
	if err != nil {
		return abort(err)
	}
	if err := bootrec.CheckRecordAddress(img.Address); err != nil {
		return abort(err)
	}
	report.Address = img.Address
	report.Size = img.Size
	report.Padded = len(img.Data)
	report.SHA256 = img.SHA256
	f.log.Info("image validated", "path", path, "address", fmt.Sprintf("0x%08X", img.Address),
		"size", img.Size, "padded", len(img.Data))

	report.enter(StateUploading)
	if err := f.connect(); err != nil {
		return abort(err)
	}
	outcome, err := f.engine.WriteRegion(img.Address, img.Data)
	report.Write = outcome
	if err != nil {
		return abort(err)
	}
	if outcome.Remaining != 0 {
		return abort(fmt.Errorf("upload incomplete: %d bytes remaining", outcome.Remaining))
	}

	report.enter(StateVerifyingHash)
	digest, ok, err := f.records.VerifyImageSHA(img.Address, uint32(len(img.Data)), img.SHA256)
	if err != nil {
		return abort(err)
	}
	if !ok {
		return abort(&SHAMismatchError{Image: img.SHA256, Device: digest})
	}

	report.enter(StateWritingBootRecord)
	report.Timestamp = f.cfg.Now()
	rec := bootrec.AppRecord{
		Name:      appName,
		Address:   img.Address,
		Size:      uint32(len(img.Data)),
		Active:    f.cfg.Activate,
		Timestamp: report.Timestamp,
		SHA256:    img.SHA256,
	}
	if err := f.records.WriteAppRecord(rec); err != nil {
		return abort(err)
	}

	report.enter(StateDone)
	f.log.Info("firmware written", "name", appName, "retries", outcome.Retries,
		"elapsed", outcome.Elapsed.String())
	return report, nil
}

// IsAddressError reports whether err is a region validation failure.
func IsAddressError(err error) bool {
	var ae *AddressError
	return errors.As(err, &ae)
}
