package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carthing-tools/flashthing/pkg/devices"
	"github.com/carthing-tools/flashthing/pkg/executor/events"
	"github.com/carthing-tools/flashthing/pkg/flasherr"
	"github.com/carthing-tools/flashthing/pkg/transport/transporttest"
)

func writeManifest(t *testing.T, dir, json string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), []byte(json), 0644); err != nil {
		t.Fatalf("write meta.json: %v", err)
	}
}

// S1: one log step "hello" -> Started{1}, StepStarted{0,1,log}, LogEmitted
// {"hello"}, StepCompleted{0}, Finished. No USB traffic.
func TestS1LogStep(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"name":"t","version":"1","description":"","metadataVersion":1,
		"steps":[{"type":"log","value":"hello"}]
	}`)

	f := &transporttest.Fake{StageVal: devices.StageUBoot}
	var got []events.Event
	e := New(f, func(ev events.Event) { got = append(got, ev) })
	defer e.Close()

	if err := e.OpenArchive(dir, ModeManifest); err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	if err := e.Flash(context.Background()); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	if len(f.Calls) != 0 {
		t.Fatalf("expected no USB traffic, got %d calls", len(f.Calls))
	}

	want := []events.Event{
		events.Started{TotalSteps: 1},
		events.StepStarted{Index: 0, Total: 1, Kind: "log"},
		events.LogEmitted{Message: "hello"},
		events.StepCompleted{Index: 0},
		events.Finished{},
	}
	assertEventShape(t, got, want)
}

// S2: one wait{type:time, time:100} step -> identical shape to S1 with a
// >= 100ms gap before StepCompleted.
func TestS2WaitStep(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"name":"t","version":"1","description":"","metadataVersion":1,
		"steps":[{"type":"wait","value":{"type":"time","time":100}}]
	}`)

	f := &transporttest.Fake{StageVal: devices.StageUBoot}
	var got []events.Event
	e := New(f, func(ev events.Event) { got = append(got, ev) })
	defer e.Close()

	if err := e.OpenArchive(dir, ModeManifest); err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}

	start := time.Now()
	if err := e.Flash(context.Background()); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("Flash returned after %v, want >= 100ms", elapsed)
	}

	want := []events.Event{
		events.Started{TotalSteps: 1},
		events.StepStarted{Index: 0, Total: 1, Kind: "wait"},
		events.StepCompleted{Index: 0},
		events.Finished{},
	}
	assertEventShape(t, got, want)
}

// S5: a program beginning with an identify step -> StepFailed{0,
// Unsupported{"identify"}}.
func TestS5UnsupportedStep(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"name":"t","version":"1","description":"","metadataVersion":1,
		"steps":[{"type":"identify","value":null}]
	}`)

	f := &transporttest.Fake{StageVal: devices.StageUBoot}
	var got []events.Event
	e := New(f, func(ev events.Event) { got = append(got, ev) })
	defer e.Close()

	if err := e.OpenArchive(dir, ModeManifest); err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}

	err := e.Flash(context.Background())
	if err == nil {
		t.Fatal("expected Unsupported error")
	}
	var fe *flasherr.Error
	if ok := errorsAs(err, &fe); !ok || fe.Kind != flasherr.KindUnsupported {
		t.Fatalf("got %v, want Unsupported", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3 (Started, StepStarted, StepFailed): %+v", len(got), got)
	}
	if _, ok := got[2].(events.StepFailed); !ok {
		t.Fatalf("last event = %T, want StepFailed", got[2])
	}
}

// S6: a stock-mode directory missing entirely fails ArchiveError at
// open_archive.
func TestS6EmptyStockDirectory(t *testing.T) {
	dir := t.TempDir()
	f := &transporttest.Fake{StageVal: devices.StageUBoot}
	e := New(f, nil)
	defer e.Close()

	err := e.OpenArchive(dir, ModeStock)
	if err == nil {
		t.Fatal("expected ArchiveError")
	}
	var fe *flasherr.Error
	if ok := errorsAs(err, &fe); !ok || fe.Kind != flasherr.KindArchiveError {
		t.Fatalf("got %v, want ArchiveError", err)
	}
}

// S4: bulkcmd "reset" where the mock transport returns "failure: unknown" ->
// StepFailed{0, BulkCmdFailed{"reset","failure: unknown"}}.
func TestS4BulkCmdFailureExitsWithStepFailed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"name":"t","version":"1","description":"","metadataVersion":1,
		"steps":[{"type":"bulkcmd","value":"reset"}]
	}`)

	f := &transporttest.Fake{
		StageVal: devices.StageUBoot,
		ReadFunc: func(request uint8, value, index uint16, length int) ([]byte, error) {
			buf := make([]byte, length)
			copy(buf, "failure: unknown")
			return buf, nil
		},
	}
	var got []events.Event
	e := New(f, func(ev events.Event) { got = append(got, ev) })
	defer e.Close()

	if err := e.OpenArchive(dir, ModeManifest); err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	err := e.Flash(context.Background())
	if err == nil {
		t.Fatal("expected BulkCmdFailed")
	}
	if flasherr.ExitCode(err) != 3 {
		t.Fatalf("exit code = %d, want 3", flasherr.ExitCode(err))
	}

	last, ok := got[len(got)-1].(events.StepFailed)
	if !ok {
		t.Fatalf("last event = %T, want StepFailed", got[len(got)-1])
	}
	var fe *flasherr.Error
	if ok := errorsAs(last.Err, &fe); !ok || fe.Kind != flasherr.KindBulkCmdFailed {
		t.Fatalf("StepFailed.Err = %v, want BulkCmdFailed", last.Err)
	}
}

// Property 8: for a successful flash of N steps, the event sequence matches
// Started (StepStarted BlockProgress* (LogEmitted)* StepCompleted){N}
// Finished.
func TestEventOrdering(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"name":"t","version":"1","description":"","metadataVersion":1,
		"steps":[
			{"type":"log","value":"one"},
			{"type":"bulkcmd","value":"env save"},
			{"type":"log","value":"two"}
		]
	}`)

	f := &transporttest.Fake{
		StageVal: devices.StageUBoot,
		ReadFunc: func(request uint8, value, index uint16, length int) ([]byte, error) {
			buf := make([]byte, length)
			copy(buf, "success")
			return buf, nil
		},
	}
	var got []events.Event
	e := New(f, func(ev events.Event) { got = append(got, ev) })
	defer e.Close()

	if err := e.OpenArchive(dir, ModeManifest); err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	if err := e.Flash(context.Background()); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	if _, ok := got[0].(events.Started); !ok {
		t.Fatalf("first event = %T, want Started", got[0])
	}
	if _, ok := got[len(got)-1].(events.Finished); !ok {
		t.Fatalf("last event = %T, want Finished", got[len(got)-1])
	}

	i := 1
	for step := 0; step < 3; step++ {
		if _, ok := got[i].(events.StepStarted); !ok {
			t.Fatalf("event %d = %T, want StepStarted", i, got[i])
		}
		i++
		for i < len(got)-1 {
			if _, ok := got[i].(events.BlockProgress); ok {
				i++
				continue
			}
			break
		}
		for i < len(got)-1 {
			if _, ok := got[i].(events.LogEmitted); ok {
				i++
				continue
			}
			break
		}
		if _, ok := got[i].(events.StepCompleted); !ok {
			t.Fatalf("event %d = %T, want StepCompleted", i, got[i])
		}
		i++
	}
	if i != len(got)-1 {
		t.Fatalf("leftover events before Finished: %+v", got[i:len(got)-1])
	}
}

func assertEventShape(t *testing.T, got, want []events.Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d:\ngot:  %+v\nwant: %+v", len(got), len(want), got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func errorsAs(err error, target **flasherr.Error) bool {
	fe, ok := err.(*flasherr.Error)
	if !ok {
		return false
	}
	*target = fe
	return true
}
