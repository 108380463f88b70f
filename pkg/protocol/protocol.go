// Package protocol encodes the Amlogic S905 mask-ROM/BL2/U-Boot vendor
// control requests as concrete control transfers over a transport.Transport.
// It knows nothing about steps, manifests, or archives - those live in
// pkg/program and pkg/executor, which call down into this layer.
package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/carthing-tools/flashthing/pkg/devices"
	"github.com/carthing-tools/flashthing/pkg/flasherr"
	"github.com/carthing-tools/flashthing/pkg/transport"
)

// Vendor request codes. Direction is implied by which of ControlWrite/
// ControlRead each primitive below issues.
const (
	reqWriteMemory     uint8 = 0x01
	reqReadMemory      uint8 = 0x02
	reqIdentify        uint8 = 0x04
	reqRunInAddr       uint8 = 0x05
	reqWriteAuxHeap    uint8 = 0x06
	reqBulkCmd         uint8 = 0x07
	reqBulkCmdStat     uint8 = 0x08
	reqGetBootAMLC     uint8 = 0x09
	reqWriteMediaLarge uint8 = 0x0b
	reqWriteAMLC       uint8 = 0x0d
)

const (
	// maxSimplePacket bounds WriteSimpleMemory, which rides a single control
	// transfer on the mask-ROM control endpoint. ReadSimpleMemory does not
	// check it.
	maxSimplePacket = 64

	// amlcMagic is the little-endian reading of ASCII "AMLC", resolved
	// against a reference trace (see SPEC_FULL.md §6).
	amlcMagic uint32 = 0x434c4d41

	// amlcBlock is the fixed segment size AMLC streaming splits the
	// bootloader payload into.
	amlcBlock = 64 * 1024

	// flagKeepPower is OR'd into the run address before it is split into
	// wValue/wIndex when keepPower is requested (see SPEC_FULL.md §6).
	flagKeepPower uint32 = 0x00000010

	// bl2LoadAddr is the SRAM address mask-ROM loads BL2 at.
	bl2LoadAddr uint32 = 0xfffa0000

	// bl2SliceSize is the chunk size bl2Boot uses to stream the BL2 image in,
	// distinct from (and larger than) the 64-byte cap writeSimpleMemory
	// enforces for manifest-driven steps.
	bl2SliceSize = 4096

	bulkCmdSettle  = 50 * time.Millisecond
	bl2BootSettle  = 2 * time.Second
	amlcPollPeriod = 50 * time.Millisecond
)

// Protocol layers the vendor command set on top of a transport.Transport.
type Protocol struct {
	t transport.Transport
}

// New wraps an already-open Transport.
func New(t transport.Transport) *Protocol {
	return &Protocol{t: t}
}

func addrParts(addr uint32) (value, index uint16) {
	return uint16(addr >> 16), uint16(addr & 0xffff)
}

// Identify returns the 8-byte mask-ROM identity string.
func (p *Protocol) Identify() ([]byte, error) {
	return p.t.ControlRead(reqIdentify, 0, 0, 8)
}

// WriteSimpleMemory issues a single WriteMemory control transfer. data must
// fit in one control-transfer packet; larger payloads belong in
// WriteLargeMemory.
func (p *Protocol) WriteSimpleMemory(addr uint32, data []byte) error {
	if len(data) > maxSimplePacket {
		return flasherr.New(flasherr.KindUsbError, fmt.Sprintf("writeSimpleMemory: %d bytes exceeds %d-byte packet limit", len(data), maxSimplePacket))
	}
	return p.writeMemory(addr, data)
}

// writeMemory is the unbounded primitive bl2Boot's BL2 slices ride; it skips
// the packet-size assertion WriteSimpleMemory makes for manifest steps.
func (p *Protocol) writeMemory(addr uint32, data []byte) error {
	value, index := addrParts(addr)
	return p.t.ControlWrite(reqWriteMemory, value, index, data)
}

// ReadSimpleMemory issues a single ReadMemory control transfer. Present for
// completeness; the executor never calls it (spec Non-goals: no read-back
// verification).
func (p *Protocol) ReadSimpleMemory(addr uint32, length int) ([]byte, error) {
	value, index := addrParts(addr)
	return p.t.ControlRead(reqReadMemory, value, index, length)
}

// BulkCmd sends an ASCII, NUL-terminated bulk command, waits for the device
// to settle, then reads back a 16-byte status. A reply that doesn't begin
// with (case-insensitive) "success" fails with BulkCmdFailed, preserving the
// raw reply.
func (p *Protocol) BulkCmd(cmd string) (string, error) {
	payload := append([]byte(cmd), 0x00)
	if err := p.t.ControlWrite(reqBulkCmd, 0, 0, payload); err != nil {
		return "", err
	}

	time.Sleep(bulkCmdSettle)

	reply, err := p.t.ControlRead(reqBulkCmdStat, 0, 0, 16)
	if err != nil {
		return "", err
	}
	replyStr := strings.TrimRight(string(reply), "\x00")
	if !strings.HasPrefix(strings.ToLower(replyStr), "success") {
		return replyStr, flasherr.BulkCmdFailed(cmd, replyStr)
	}
	return replyStr, nil
}

// RunAt jumps execution to addr. keepPower ORs a bit into the address before
// it is split into wValue/wIndex (see SPEC_FULL.md §6); the device does not
// reply.
func (p *Protocol) RunAt(addr uint32, keepPower bool) error {
	if keepPower {
		addr |= flagKeepPower
	}
	value, index := addrParts(addr)
	return p.t.ControlWrite(reqRunInAddr, value, index, nil)
}

// BlockProgressFunc is invoked after each block a large transfer sends, so
// callers (the executor) can surface BlockProgress events.
type BlockProgressFunc func(sent, total int)

// WriteLargeMemory performs the block-segmented memory/disk write: one
// WriteMediaLarge header transfer followed by n_blocks WriteMemory transfers
// at sequential absolute addresses.
func (p *Protocol) WriteLargeMemory(ctx context.Context, addr uint32, data []byte, blockLength uint32, appendZeros bool, progress BlockProgressFunc) error {
	if blockLength == 0 {
		return flasherr.New(flasherr.KindUsbError, "writeLargeMemory: blockLength must be nonzero")
	}

	payload := data
	if appendZeros {
		if rem := uint32(len(payload)) % blockLength; rem != 0 {
			pad := make([]byte, blockLength-rem)
			payload = append(append([]byte{}, payload...), pad...)
		}
	}

	nBlocks := (len(payload) + int(blockLength) - 1) / int(blockLength)
	if len(payload) == 0 {
		nBlocks = 0
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], addr)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[8:12], blockLength)
	binary.LittleEndian.PutUint32(header[12:16], 0)
	if err := p.t.ControlWrite(reqWriteMediaLarge, 0, 0, header); err != nil {
		return err
	}

	for i := 0; i < nBlocks; i++ {
		if err := checkCancel(ctx); err != nil {
			return err
		}

		start := i * int(blockLength)
		end := start + int(blockLength)
		if end > len(payload) {
			end = len(payload)
		}
		blockAddr := addr + uint32(i)*blockLength
		if err := p.writeMemory(blockAddr, payload[start:end]); err != nil {
			return err
		}
		if progress != nil {
			progress(end, len(payload))
		}
	}
	return nil
}

// WriteAMLCData sends one AMLC block: a WriteAuxHeap header transfer
// describing seq/offset/length, followed by the block body over WriteAMLC.
func (p *Protocol) WriteAMLCData(seq, amlcOffset uint32, data []byte) error {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], amlcMagic)
	binary.LittleEndian.PutUint32(header[4:8], seq)
	binary.LittleEndian.PutUint32(header[8:12], amlcOffset)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(data)))

	if err := p.t.ControlWrite(reqWriteAuxHeap, 0, 0, header); err != nil {
		return err
	}
	return p.t.ControlWrite(reqWriteAMLC, 0, 0, data)
}

// getBootAMLC reads the 16-byte AMLC handoff record and returns its seq
// field (header layout mirrors WriteAMLCData's: magic, seq, offset, length).
func (p *Protocol) getBootAMLC() (uint32, error) {
	buf, err := p.t.ControlRead(reqGetBootAMLC, 0, 0, 16)
	if err != nil {
		return 0, err
	}
	if len(buf) < 8 || binary.LittleEndian.Uint32(buf[0:4]) != amlcMagic {
		return 0, flasherr.New(flasherr.KindUsbError, "getBootAMLC: malformed record")
	}
	return binary.LittleEndian.Uint32(buf[4:8]), nil
}

// Bl2Boot is the composite MaskRom -> U-Boot handoff: stream bl2 into SRAM,
// jump to it, wait for it to come up, then stream bootloader to it over
// AMLC in 64 KiB blocks, polling getBootAMLC after each block until the
// device acknowledges that block's seq.
func (p *Protocol) Bl2Boot(ctx context.Context, bl2, bootloader []byte, progress BlockProgressFunc) error {
	glog.V(1).Infof("bl2Boot: sending %d-byte bl2 image to %#08x", len(bl2), bl2LoadAddr)
	for off := 0; off < len(bl2); off += bl2SliceSize {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		end := off + bl2SliceSize
		if end > len(bl2) {
			end = len(bl2)
		}
		if err := p.writeMemory(bl2LoadAddr+uint32(off), bl2[off:end]); err != nil {
			return err
		}
		if progress != nil {
			progress(end, len(bl2))
		}
	}

	glog.V(1).Info("bl2Boot: jumping to bl2")
	if err := p.RunAt(bl2LoadAddr, false); err != nil {
		return err
	}

	time.Sleep(bl2BootSettle)

	if err := p.t.Reopen(); err != nil {
		return err
	}
	if got := p.t.Stage(); got != devices.StageUBoot {
		return flasherr.StageMismatch(devices.StageUBoot, got)
	}

	glog.V(1).Infof("bl2Boot: streaming %d-byte bootloader over AMLC", len(bootloader))
	nBlocks := (len(bootloader) + amlcBlock - 1) / amlcBlock
	for seq := 0; seq < nBlocks; seq++ {
		if err := checkCancel(ctx); err != nil {
			return err
		}

		offset := seq * amlcBlock
		end := offset + amlcBlock
		if end > len(bootloader) {
			end = len(bootloader)
		}
		if err := p.WriteAMLCData(uint32(seq), uint32(offset), bootloader[offset:end]); err != nil {
			return err
		}

		for {
			ackSeq, err := p.getBootAMLC()
			if err != nil {
				return err
			}
			if int(ackSeq) == seq {
				break
			}
			time.Sleep(amlcPollPeriod)
		}

		if progress != nil {
			progress(end, len(bootloader))
		}
	}
	return nil
}

func checkCancel(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return flasherr.Cancelled()
	default:
		return nil
	}
}
