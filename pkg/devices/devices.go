// Package devices describes the USB identities the Amlogic S905 bootloader
// chain presents at each stage of the boot handoff.
package devices

import "github.com/google/gousb"

// Stage is the boot stage the device currently reports over USB.
type Stage string

const (
	// StageMaskRom is the unbrickable ROM bootloader, reachable as Amlogic's
	// USB Burning Tool protocol (vendor id 0x1b8e, product id 0xc003).
	StageMaskRom Stage = "mask-rom"
	// StageUBoot is Superbird's custom U-Boot USB burning mode, reachable
	// after a successful BL2 handoff (vendor id 0x18d1, product id 0x4e40).
	StageUBoot Stage = "u-boot"
	// StageUnknown is any other device found, or no device at all. Always
	// fatal.
	StageUnknown Stage = "unknown"
)

func (s Stage) String() string {
	switch s {
	case StageMaskRom:
		return "mask-ROM"
	case StageUBoot:
		return "U-Boot"
	}
	return "unknown"
}

// Description pairs a USB vendor/product id with the boot stage it implies.
type Description struct {
	VID, PID gousb.ID
	Stage    Stage
}

// Descriptions is the recognized (vid, pid) table, in detection-preference
// order. A device matching neither entry is StageUnknown.
var Descriptions = []Description{
	{VID: 0x1b8e, PID: 0xc003, Stage: StageMaskRom},
	{VID: 0x18d1, PID: 0x4e40, Stage: StageUBoot},
}

// StageForVIDPID classifies a connected device by its USB identity, per
// spec.md §3 BootStage.
func StageForVIDPID(vid, pid gousb.ID) Stage {
	for _, d := range Descriptions {
		if d.VID == vid && d.PID == pid {
			return d.Stage
		}
	}
	return StageUnknown
}
