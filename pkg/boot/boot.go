// Package boot detects the device's current boot stage and drives the
// MaskRom -> U-Boot handoff, re-binding the transport once the device has
// re-enumerated on the other side.
package boot

import (
	"context"

	"github.com/golang/glog"

	"github.com/carthing-tools/flashthing/pkg/devices"
	"github.com/carthing-tools/flashthing/pkg/flasherr"
	"github.com/carthing-tools/flashthing/pkg/protocol"
	"github.com/carthing-tools/flashthing/pkg/transport"
)

// Coordinator implements the BootCoordinator component: CurrentStage and
// EnsureUBoot.
type Coordinator struct {
	t transport.Transport
	p *protocol.Protocol
}

// New builds a Coordinator over an already-open transport and the protocol
// layered on it.
func New(t transport.Transport, p *protocol.Protocol) *Coordinator {
	return &Coordinator{t: t, p: p}
}

// CurrentStage reports the boot stage of the currently-attached device.
func (c *Coordinator) CurrentStage() devices.Stage {
	return c.t.Stage()
}

// EnsureUBoot brings the device to U-Boot mode if it is not there already.
// If the device is in MaskRom, it runs the bl2Boot handoff using bl2 and
// bootloader; programProvidesBL2 only affects whether the caller had to
// synthesize these blobs itself, which EnsureUBoot does not need to know
// about beyond logging it. An Unknown stage, or a device still not reporting
// U-Boot after the handoff, is a fatal StageMismatch.
func (c *Coordinator) EnsureUBoot(ctx context.Context, programProvidesBL2 bool, bl2, bootloader []byte, progress protocol.BlockProgressFunc) error {
	switch stage := c.CurrentStage(); stage {
	case devices.StageUBoot:
		return nil
	case devices.StageMaskRom:
		glog.V(1).Infof("device in mask-ROM, program provides its own bl2/bootloader: %v", programProvidesBL2)
		if err := c.p.Bl2Boot(ctx, bl2, bootloader, progress); err != nil {
			return err
		}
		if got := c.CurrentStage(); got != devices.StageUBoot {
			return flasherr.StageMismatch(devices.StageUBoot, got)
		}
		return nil
	default:
		return flasherr.StageMismatch(devices.StageUBoot, stage)
	}
}
