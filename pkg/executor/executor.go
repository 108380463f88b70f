// Package executor walks a parsed Program against Protocol/BootCoordinator,
// emitting the structured progress-event stream spec.md §6 defines.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/carthing-tools/flashthing/pkg/archive"
	"github.com/carthing-tools/flashthing/pkg/boot"
	"github.com/carthing-tools/flashthing/pkg/devices"
	"github.com/carthing-tools/flashthing/pkg/executor/events"
	"github.com/carthing-tools/flashthing/pkg/flasherr"
	"github.com/carthing-tools/flashthing/pkg/program"
	"github.com/carthing-tools/flashthing/pkg/protocol"
	"github.com/carthing-tools/flashthing/pkg/transport"
)

// Mode selects how OpenArchive builds a Program from the archive at path.
type Mode int

const (
	// ModeManifest reads meta.json from the archive root.
	ModeManifest Mode = iota
	// ModeStock synthesizes a program from a raw partition dump.
	ModeStock
	// ModeUnbrick is ModeStock with a forced bootloader erase + re-flash.
	ModeUnbrick
)

// Executor is the public entry point: open_archive, num_steps, flash.
type Executor struct {
	t     transport.Transport
	proto *protocol.Protocol
	bootc *boot.Coordinator
	sink  events.Sink

	a    archive.Archive
	prog *program.Program

	flashing int32
}

// New builds an Executor driving t, delivering every event to sink. sink may
// be nil to discard events.
func New(t transport.Transport, sink events.Sink) *Executor {
	p := protocol.New(t)
	return &Executor{t: t, proto: p, bootc: boot.New(t, p), sink: sink}
}

func (e *Executor) emit(ev events.Event) {
	if e.sink != nil {
		e.sink(ev)
	}
}

// OpenArchive loads the archive at path and parses (or synthesizes) its
// program. If the device is currently in MaskRom and the program doesn't
// already start with a bl2Boot step, one is synthesized and prepended using
// program.DefaultBl2Bootloader - except for an unbrick program, whose
// leading bulkcmd prefix is responsible for forcing the device back to
// MaskRom itself; Flash splices the synthetic bl2Boot in after that prefix
// runs, once the post-reset stage is actually known.
func (e *Executor) OpenArchive(path string, mode Mode) error {
	a, err := archive.Open(path)
	if err != nil {
		return err
	}

	var prog *program.Program
	switch mode {
	case ModeStock:
		prog, err = program.Stock(a)
	case ModeUnbrick:
		prog, err = program.Unbrick(a)
	default:
		if !a.Has("meta.json") {
			a.Close()
			return flasherr.ArchiveError("no meta.json found at archive root (pass stock mode for a raw partition dump)")
		}
		var data []byte
		data, err = a.ReadFile("meta.json")
		if err == nil {
			prog, err = program.Parse(data)
		}
	}
	if err != nil {
		a.Close()
		return err
	}

	if !prog.Unbrick && e.bootc.CurrentStage() == devices.StageMaskRom && !beginsWithBl2Boot(prog.Steps) {
		step, serr := e.synthesizeBl2Boot(a)
		if serr != nil {
			a.Close()
			return serr
		}
		prog.Steps = append([]program.Step{step}, prog.Steps...)
	}

	e.a = a
	e.prog = prog
	return nil
}

func beginsWithBl2Boot(steps []program.Step) bool {
	return len(steps) > 0 && steps[0].Kind == program.KindBl2Boot
}

func (e *Executor) synthesizeBl2Boot(a archive.Archive) (program.Step, error) {
	bl2, bootloader, err := program.DefaultBl2Bootloader(a)
	if err != nil {
		return program.Step{}, err
	}
	return program.Step{
		Kind: program.KindBl2Boot,
		Bl2Boot: program.Bl2BootValue{
			BL2:        program.InlineData(bl2),
			Bootloader: program.InlineData(bootloader),
		},
	}, nil
}

// NumSteps reports the step count after bl2Boot synthesis, where synthesis
// could be determined at open_archive time. An unbrick program's dynamic
// bl2Boot splice (see Flash) is made on Flash's own copy of the step list,
// so NumSteps never counts that step, before, during or after Flash.
func (e *Executor) NumSteps() int {
	if e.prog == nil {
		return 0
	}
	return len(e.prog.Steps)
}

// Close releases the archive opened by OpenArchive.
func (e *Executor) Close() error {
	if e.a != nil {
		return e.a.Close()
	}
	return nil
}

// Flash runs the opened program to completion or first error. Only one
// Flash (or Unbrick) may run at a time on a given Executor.
func (e *Executor) Flash(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.flashing, 0, 1) {
		return flasherr.New(flasherr.KindUsbError, "flash already in progress on this executor")
	}
	defer atomic.StoreInt32(&e.flashing, 0)

	if e.prog == nil {
		return flasherr.New(flasherr.KindArchiveError, "no program loaded: call OpenArchive first")
	}

	steps := e.prog.Steps
	vars := e.prog.Variables

	e.emit(events.Started{TotalSteps: len(steps)})

	i := 0
	// Unbrick's leading bulkcmd prefix runs against whatever stage the
	// device is in right now; once its "reset" step lands, reopen and
	// splice a bl2Boot in before anything else, since the device is now
	// back in MaskRom regardless of what OpenArchive saw.
	if e.prog.Unbrick {
		for ; i < len(steps) && steps[i].Kind == program.KindBulkCmd; i++ {
			if err := e.runStep(ctx, i, len(steps), steps[i], vars); err != nil {
				return err
			}
			if steps[i].BulkCmd == "reset" {
				if err := e.t.Reopen(); err != nil {
					e.emit(events.StepFailed{Index: i, Err: err})
					return err
				}
				if e.bootc.CurrentStage() == devices.StageMaskRom {
					step, serr := e.synthesizeBl2Boot(e.a)
					if serr != nil {
						return serr
					}
					tail := append([]program.Step{step}, steps[i+1:]...)
					steps = append(append([]program.Step{}, steps[:i+1]...), tail...)
				}
				i++
				break
			}
		}
	}

	total := len(steps)
	for ; i < total; i++ {
		if err := e.runStep(ctx, i, total, steps[i], vars); err != nil {
			return err
		}
	}

	e.emit(events.Finished{})
	return nil
}

// Unbrick is the standalone fast path: force-erase the bootloader and
// re-flash from a raw dump, bypassing manifest discovery entirely.
func (e *Executor) Unbrick(ctx context.Context, path string) error {
	if err := e.OpenArchive(path, ModeUnbrick); err != nil {
		return err
	}
	return e.Flash(ctx)
}

func (e *Executor) runStep(ctx context.Context, index, total int, step program.Step, vars program.Variables) error {
	select {
	case <-ctx.Done():
		e.emit(events.Cancelled{StepIndex: index})
		return flasherr.Cancelled()
	default:
	}

	e.emit(events.StepStarted{Index: index, Total: total, Kind: string(step.Kind)})

	if err := e.dispatch(ctx, index, step, vars); err != nil {
		e.emit(events.StepFailed{Index: index, Err: err})
		return err
	}

	e.emit(events.StepCompleted{Index: index})
	return nil
}

func (e *Executor) dispatch(ctx context.Context, index int, step program.Step, vars program.Variables) error {
	if !step.Kind.Supported() || step.Kind == program.KindWait && step.Wait.Type != "time" {
		return flasherr.Unsupported(string(step.Kind))
	}

	switch step.Kind {
	case program.KindLog:
		e.emit(events.LogEmitted{Message: vars.Resolve(step.Log)})
		return nil

	case program.KindWait:
		time.Sleep(time.Duration(step.Wait.Time) * time.Millisecond)
		return nil

	case program.KindBulkCmd:
		_, err := e.proto.BulkCmd(step.BulkCmd)
		return err

	case program.KindRun:
		return e.proto.RunAt(step.Run.Address, step.Run.KeepPower)

	case program.KindWriteSimpleMemory:
		data, err := step.WriteSimpleMemory.Data.Resolve(e.a)
		if err != nil {
			return err
		}
		return e.proto.WriteSimpleMemory(step.WriteSimpleMemory.Address, data)

	case program.KindWriteLargeMemory:
		data, err := step.WriteLargeMemory.Data.Resolve(e.a)
		if err != nil {
			return err
		}
		return e.proto.WriteLargeMemory(ctx, step.WriteLargeMemory.Address, data, step.WriteLargeMemory.BlockLength, step.WriteLargeMemory.AppendZeros,
			e.blockProgress(index))

	case program.KindWriteAMLCData:
		data, err := step.WriteAMLCData.Data.Resolve(e.a)
		if err != nil {
			return err
		}
		return e.proto.WriteAMLCData(step.WriteAMLCData.Seq, step.WriteAMLCData.AMLCOffset, data)

	case program.KindBl2Boot:
		bl2, err := step.Bl2Boot.BL2.Resolve(e.a)
		if err != nil {
			return err
		}
		bootloader, err := step.Bl2Boot.Bootloader.Resolve(e.a)
		if err != nil {
			return err
		}
		return e.proto.Bl2Boot(ctx, bl2, bootloader, e.blockProgress(index))

	case program.KindRestorePartition:
		return e.restorePartition(ctx, index, step.RestorePartition)

	case program.KindWriteEnv:
		text, err := step.WriteEnv.Resolve(e.a)
		if err != nil {
			return err
		}
		return e.writeEnv(text)

	default:
		return flasherr.Unsupported(string(step.Kind))
	}
}

func (e *Executor) blockProgress(stepIndex int) protocol.BlockProgressFunc {
	return func(sent, total int) {
		e.emit(events.BlockProgress{StepIndex: stepIndex, Sent: sent, Total: total})
	}
}

// restorePartition is the macro spec.md §4.E describes: a size-declaring
// bulkcmd followed by a 4096-byte-blocked, zero-padded large write at
// address 0.
func (e *Executor) restorePartition(ctx context.Context, index int, v program.RestorePartitionValue) error {
	data, err := v.Data.Resolve(e.a)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("oem mwrite 0x%x normal store %s", len(data), v.Name)
	if _, err := e.proto.BulkCmd(cmd); err != nil {
		return err
	}

	return e.proto.WriteLargeMemory(ctx, 0, data, 4096, true, e.blockProgress(index))
}

// writeEnv is the macro spec.md §4.E describes: clear, set every KEY=VALUE
// line, save. Blank lines and lines starting with "#" are ignored.
func (e *Executor) writeEnv(text string) error {
	if _, err := e.proto.BulkCmd("env clear"); err != nil {
		return err
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if _, err := e.proto.BulkCmd(fmt.Sprintf("env set %s %s", key, value)); err != nil {
			return err
		}
	}

	_, err := e.proto.BulkCmd("env save")
	return err
}
