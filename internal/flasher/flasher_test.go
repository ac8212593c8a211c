package flasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/bigbag/rtflash/internal/bootrec"
	"github.com/bigbag/rtflash/internal/devicetest"
	"github.com/bigbag/rtflash/internal/image"
	"github.com/bigbag/rtflash/internal/protocol"
)

var stamp = time.Unix(1700000000, 0)

// firmware returns a valid image of size bytes loading at address.
func firmware(size int, address uint32) []byte {
	data := pattern(size)
	binary.LittleEndian.PutUint32(data[0:4], image.FCFBMagic)
	binary.LittleEndian.PutUint32(data[image.IVTOffset:], image.IVTMagic)
	binary.LittleEndian.PutUint32(data[image.IVTOffset+4:], address|0x2000)
	return data
}

func newSession(t *testing.T, dev *devicetest.Device, files map[string][]byte) (*Flasher, *int) {
	t.Helper()

	fs := afero.NewMemMapFs()
	for name, data := range files {
		if err := afero.WriteFile(fs, name, data, 0o644); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}

	opens := 0
	open := func() (Port, error) {
		opens++
		return dev, nil
	}
	f := New(open, Config{Fs: fs, Now: func() time.Time { return stamp }})
	t.Cleanup(func() { f.Close() })
	return f, &opens
}

func TestWriteFirmware(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	fw := firmware(0x10000+100, 0x60010000)
	f, _ := newSession(t, dev, map[string][]byte{"fw.bin": fw})

	report, err := f.WriteFirmware("fw.bin", "MicroPython")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(report.State).To(Equal(StateDone))
	g.Expect(report.History).To(Equal([]State{
		StateIdle, StateValidating, StateUploading, StateVerifyingHash, StateWritingBootRecord, StateDone,
	}))
	g.Expect(report.Address).To(Equal(uint32(0x60010000)))
	g.Expect(report.Size).To(Equal(len(fw)))
	g.Expect(report.Padded).To(Equal(0x11000))
	g.Expect(report.Write.Retries).To(BeZero())

	padded := dev.ReadFlash(0x60010000, 0x11000)
	g.Expect(padded[:len(fw)]).To(Equal(fw))
	g.Expect(padded[len(fw):]).To(Equal(bytes.Repeat([]byte{0xFF}, 0x11000-len(fw))))
	g.Expect(report.SHA256).To(Equal(sha256.Sum256(padded)))

	rec, err := bootrec.DecodeAppRecord(dev.Record(0))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rec.Name).To(Equal("MicroPython"))
	g.Expect(rec.Address).To(Equal(uint32(0x60010000)))
	g.Expect(rec.Size).To(Equal(uint32(0x11000)))
	g.Expect(rec.Active).To(BeFalse())
	g.Expect(rec.Timestamp.Equal(stamp)).To(BeTrue())
	g.Expect(rec.SHA256).To(Equal(report.SHA256))
}

func TestWriteFirmware_Activate(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	fs := afero.NewMemMapFs()
	g.Expect(afero.WriteFile(fs, "fw.bin", firmware(0x10000, 0x60100000), 0o644)).To(Succeed())

	f := New(func() (Port, error) { return dev, nil }, Config{Fs: fs, Activate: true})
	defer f.Close()

	_, err := f.WriteFirmware("fw.bin", "app")
	g.Expect(err).NotTo(HaveOccurred())

	rec, _ := bootrec.DecodeAppRecord(dev.Record(0))
	g.Expect(rec.Active).To(BeTrue())
	g.Expect(rec.Address).To(Equal(uint32(0x60100000)))
}

func TestWriteFirmware_SHAMismatchSkipsRecord(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	dev.SHAOverride = make([]byte, sha256.Size)
	f, _ := newSession(t, dev, map[string][]byte{"fw.bin": firmware(0x10000, 0x60010000)})

	report, err := f.WriteFirmware("fw.bin", "MicroPython")

	var abort *AbortError
	g.Expect(errors.As(err, &abort)).To(BeTrue())
	g.Expect(abort.State).To(Equal(StateVerifyingHash))

	var mismatch *SHAMismatchError
	g.Expect(errors.As(err, &mismatch)).To(BeTrue())
	g.Expect(mismatch.Device).To(Equal([sha256.Size]byte{}))

	g.Expect(report.State).To(Equal(StateAborted))
	g.Expect(dev.Count(protocol.CmdAppRecordWrite)).To(BeZero())
	g.Expect(dev.Record(0)).To(Equal(make([]byte, bootrec.RecordSize)))
}

func TestWriteFirmware_InvalidImageNoIO(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	bad := firmware(0x10000, 0x60300000)
	f, opens := newSession(t, dev, map[string][]byte{"fw.bin": bad})

	report, err := f.WriteFirmware("fw.bin", "MicroPython")

	g.Expect(errors.Is(err, image.ErrAddressOutOfRange)).To(BeTrue())
	var abort *AbortError
	g.Expect(errors.As(err, &abort)).To(BeTrue())
	g.Expect(abort.State).To(Equal(StateValidating))
	g.Expect(report.Write).To(BeNil())
	g.Expect(*opens).To(BeZero())
}

func TestWriteFirmware_RecordAddressBoundaryNoIO(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	f, opens := newSession(t, dev, map[string][]byte{"fw.bin": firmware(0x10000, protocol.ImageMaxBase)})

	report, err := f.WriteFirmware("fw.bin", "MicroPython")

	g.Expect(errors.Is(err, bootrec.ErrRecordAddress)).To(BeTrue())
	var abort *AbortError
	g.Expect(errors.As(err, &abort)).To(BeTrue())
	g.Expect(abort.State).To(Equal(StateValidating))
	g.Expect(report.Write).To(BeNil())
	g.Expect(*opens).To(BeZero())
	g.Expect(dev.Count(protocol.CmdWriteFlash)).To(BeZero())
}

func TestWriteFirmware_MissingFile(t *testing.T) {
	g := NewWithT(t)
	f, _ := newSession(t, devicetest.New(), nil)

	_, err := f.WriteFirmware("missing.bin", "MicroPython")
	g.Expect(err).To(HaveOccurred())

	var abort *AbortError
	g.Expect(errors.As(err, &abort)).To(BeTrue())
	g.Expect(abort.State).To(Equal(StateValidating))
}

func TestWriteFirmware_UploadAborts(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	dev.Intercept = func(f protocol.CommandFrame, phase devicetest.Phase) *devicetest.Action {
		if f.Command == protocol.CmdWriteFlash && f.Param == 0x60014000 {
			return &devicetest.Action{Status: protocol.StatusFlashErase}
		}
		return nil
	}
	f, _ := newSession(t, dev, map[string][]byte{"fw.bin": firmware(0x10000, 0x60010000)})

	report, err := f.WriteFirmware("fw.bin", "MicroPython")

	var abort *AbortError
	g.Expect(errors.As(err, &abort)).To(BeTrue())
	g.Expect(abort.State).To(Equal(StateUploading))
	g.Expect(protocol.IsDevice(err, protocol.StatusFlashErase)).To(BeTrue())
	g.Expect(report.Write.Written).To(Equal(uint32(4 * protocol.BlockSize)))
	g.Expect(report.Write.Retries).To(Equal(DefaultAttempts))
	g.Expect(dev.Count(protocol.CmdAppGetSHA256)).To(BeZero())
	g.Expect(dev.Count(protocol.CmdAppRecordWrite)).To(BeZero())
}

func TestWriteFirmware_OpenFailure(t *testing.T) {
	g := NewWithT(t)
	fs := afero.NewMemMapFs()
	g.Expect(afero.WriteFile(fs, "fw.bin", firmware(0x10000, 0x60010000), 0o644)).To(Succeed())

	openErr := errors.New("no such port")
	f := New(func() (Port, error) { return nil, openErr }, Config{Fs: fs})

	_, err := f.WriteFirmware("fw.bin", "MicroPython")
	g.Expect(errors.Is(err, openErr)).To(BeTrue())

	var abort *AbortError
	g.Expect(errors.As(err, &abort)).To(BeTrue())
	g.Expect(abort.State).To(Equal(StateUploading))
	g.Expect(f.Close()).To(Succeed())
}

func TestReadRegion_Session(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	want := pattern(2 * protocol.BlockSize)
	dev.WriteFlash(0x60000000, want)
	f, opens := newSession(t, dev, nil)

	var out bytes.Buffer
	report, err := f.ReadRegion(0x60000000, uint32(len(want)), &out)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out.Bytes()).To(Equal(want))
	g.Expect(report.Complete).To(BeTrue())
	g.Expect(report.Transferred).To(Equal(uint32(len(want))))
	g.Expect(report.Stats.Bytes).To(Equal(uint32(len(want))))

	// the port stays open across operations
	_, err = f.ReadRegion(0x60000000, protocol.BlockSize, nil)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(*opens).To(Equal(1))
}

func TestReadRegion_PartialCount(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	dev.Intercept = func(f protocol.CommandFrame, phase devicetest.Phase) *devicetest.Action {
		if f.Command == protocol.CmdReadFlash && f.Param == 0x60003000 {
			return &devicetest.Action{CorruptPayload: true}
		}
		return nil
	}
	f, _ := newSession(t, dev, nil)

	var out bytes.Buffer
	report, err := f.ReadRegion(0x60000000, 8*protocol.BlockSize, &out)
	g.Expect(protocol.IsFault(err, protocol.FaultPayloadCRC)).To(BeTrue())
	g.Expect(report.Transferred).To(Equal(uint32(3 * protocol.BlockSize)))
	g.Expect(out.Len()).To(Equal(3 * protocol.BlockSize))
	g.Expect(report.Complete).To(BeFalse())
}

func TestReadRegion_InvalidRegionDoesNotOpen(t *testing.T) {
	g := NewWithT(t)
	f, opens := newSession(t, devicetest.New(), nil)

	_, err := f.ReadRegion(0x607FF000, protocol.BlockSize, nil)
	g.Expect(IsAddressError(err)).To(BeTrue())
	g.Expect(*opens).To(BeZero())
}

func TestDeviceInfoAndBootInfo(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	rec := bootrec.AppRecord{Name: "MicroPython", Address: 0x60010000, Size: 0x20000, Active: true}
	buf, _ := rec.MarshalBinary()
	dev.SetRecord(1, buf)
	f, _ := newSession(t, dev, nil)

	version, err := f.DeviceInfo()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(version).To(Equal(devicetest.DefaultVersion))

	apps, err := f.BootInfo()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(apps[0].Configured()).To(BeFalse())
	g.Expect(apps[1].Name).To(Equal("MicroPython"))
	g.Expect(apps[1].Active).To(BeTrue())
}

func TestClose(t *testing.T) {
	g := NewWithT(t)
	dev := devicetest.New()
	f := New(func() (Port, error) { return dev, nil }, Config{})

	g.Expect(f.Close()).To(Succeed())
	g.Expect(dev.Closed()).To(BeFalse())

	_, err := f.DeviceInfo()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.Close()).To(Succeed())
	g.Expect(dev.Closed()).To(BeTrue())
	g.Expect(f.Close()).To(Succeed())
}

func TestStateString(t *testing.T) {
	g := NewWithT(t)
	g.Expect(StateVerifyingHash.String()).To(Equal("verifying hash"))
	g.Expect(State(42).String()).To(Equal("state(42)"))
	g.Expect(StateDone.Terminal()).To(BeTrue())
	g.Expect(StateUploading.Terminal()).To(BeFalse())
}
