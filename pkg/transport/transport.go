// Package transport owns the USB handle to the Amlogic device: opening it,
// issuing control transfers, and re-enumerating across the BL2 → U-Boot
// handoff. Apart from pkg/devices, which uses gousb only for its ID type, it
// is the only package in this module that imports gousb directly;
// everything above it talks to the Transport interface so that
// pkg/protocol and pkg/boot can be driven by a fake in tests.
package transport

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/carthing-tools/flashthing/pkg/devices"
	"github.com/carthing-tools/flashthing/pkg/flasherr"
)

const (
	controlTimeout = 5 * time.Second
	reopenTimeout  = 30 * time.Second
	reopenInterval = 200 * time.Millisecond
)

// Transport is the contract the protocol and boot-coordinator layers need
// from a USB connection to the device. It is implemented by *USB for real
// hardware and by fakes in tests.
type Transport interface {
	// ControlWrite issues an OUT control transfer (bRequest, wValue, wIndex,
	// payload).
	ControlWrite(request uint8, value, index uint16, payload []byte) error
	// ControlRead issues an IN control transfer and returns exactly length
	// bytes, or an error.
	ControlRead(request uint8, value, index uint16, length int) ([]byte, error)
	// Stage reports the boot stage of the currently-open device.
	Stage() devices.Stage
	// Reopen releases the current handle and polls for a device matching
	// any entry in devices.Descriptions to reappear, up to a 30s deadline.
	// Used after triggering a boot-stage change (e.g. bl2Boot).
	Reopen() error
	// Close releases the USB interface and the underlying libusb context.
	Close() error
}

// USB is the gousb-backed Transport implementation.
type USB struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	done  func()
	stage devices.Stage
}

// Open scans for a device matching one of devices.Descriptions, claims
// interface 0, and returns a ready-to-use Transport.
func Open() (*USB, error) {
	ctx := gousb.NewContext()

	t := &USB{ctx: ctx}
	if err := t.find(); err != nil {
		ctx.Close()
		return nil, err
	}
	return t, nil
}

func (t *USB) find() error {
	var errs error
	for _, d := range devices.Descriptions {
		dev, err := t.ctx.OpenDeviceWithVIDPID(d.VID, d.PID)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s (%04x:%04x): %w", d.Stage, d.VID, d.PID, err))
			continue
		}
		if dev == nil {
			continue
		}

		glog.V(1).Infof("found device %04x:%04x (stage %s)", d.VID, d.PID, d.Stage)
		dev.ControlTimeout = controlTimeout
		if err := dev.SetAutoDetach(true); err != nil {
			glog.V(1).Infof("SetAutoDetach failed (continuing): %v", err)
		}

		_, done, err := dev.DefaultInterface()
		if err != nil {
			dev.Close()
			return flasherr.Wrap(flasherr.KindUsbError, fmt.Errorf("claim interface 0: %w", err))
		}

		t.dev = dev
		t.done = done
		t.stage = d.Stage
		return nil
	}

	if errs == nil {
		return flasherr.New(flasherr.KindDeviceNotFound, "no device matching a known vendor/product id was found")
	}
	return flasherr.Wrap(flasherr.KindDeviceNotFound, errs)
}

func (t *USB) Stage() devices.Stage { return t.stage }

func (t *USB) ControlWrite(request uint8, value, index uint16, payload []byte) error {
	glog.V(2).Infof("control write: req=%#02x value=%#04x index=%#04x len=%d", request, value, index, len(payload))
	n, err := t.dev.Control(0x40, request, value, index, payload)
	if err != nil {
		return flasherr.Wrap(flasherr.KindUsbError, err)
	}
	if n != len(payload) {
		return flasherr.New(flasherr.KindUsbError, fmt.Sprintf("short control write: wrote %d of %d bytes", n, len(payload)))
	}
	return nil
}

func (t *USB) ControlRead(request uint8, value, index uint16, length int) ([]byte, error) {
	glog.V(2).Infof("control read: req=%#02x value=%#04x index=%#04x length=%d", request, value, index, length)
	buf := make([]byte, length)
	n, err := t.dev.Control(0xc0, request, value, index, buf)
	if err != nil {
		return nil, flasherr.Wrap(flasherr.KindUsbError, err)
	}
	if n != length {
		return nil, flasherr.New(flasherr.KindUsbError, fmt.Sprintf("short control read: got %d of %d bytes", n, length))
	}
	return buf, nil
}

// Reopen releases the current handle, then polls at reopenInterval for up to
// reopenTimeout for a recognized device to reappear. The prior handle MUST be
// released before polling begins: holding it across re-enumeration causes
// OS-level claim errors on some platforms.
func (t *USB) Reopen() error {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}

	deadline := time.Now().Add(reopenTimeout)
	for {
		err := t.find()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return flasherr.Timeout("reopen", err)
		}
		time.Sleep(reopenInterval)
	}
}

func (t *USB) Close() error {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	t.ctx.Close()
	return nil
}
