package flasherr

import (
	"errors"
	"testing"
)

// ExitCode maps DeviceNotFound -> 2, Cancelled -> 4, every other *Error -> 3,
// and anything that isn't a *Error (e.g. a flag-parsing usage error) -> 1.
func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"device not found", New(KindDeviceNotFound, "no device"), 2},
		{"cancelled", Cancelled(), 4},
		{"usb error", New(KindUsbError, "control transfer failed"), 3},
		{"bulkcmd failed", BulkCmdFailed("reset", "failure: unknown"), 3},
		{"archive error", ArchiveError("no meta.json"), 3},
		{"manifest error", ManifestError("/steps/0/type", "unknown tag"), 3},
		{"unsupported", Unsupported("identify"), 3},
		{"path traversal", PathTraversal("../etc/passwd"), 3},
		{"stage mismatch", New(KindStageMismatch, "expected u-boot"), 3},
		{"timeout", Timeout("reopen", nil), 3},
		{"not a flasherr.Error", errors.New("flag: help requested"), 1},
		{"nil error treated as non-Error", nil, 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExitCode(c.err); got != c.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}

// Unwrap lets errors.Is/As see through a wrapped cause.
func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("device busy")
	wrapped := Wrap(KindUsbError, cause)

	if !errors.Is(wrapped, cause) {
		t.Fatal("errors.Is did not find the wrapped cause")
	}
}

func TestBulkCmdFailedPreservesCommandAndReply(t *testing.T) {
	err := BulkCmdFailed("oem mwrite 0x4 normal store bootloader", "failure: bad address")
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("got %v, want *Error", err)
	}
	if fe.Kind != KindBulkCmdFailed {
		t.Fatalf("kind = %s, want %s", fe.Kind, KindBulkCmdFailed)
	}

	var bd *bulkCmdDetail
	if !errors.As(err, &bd) {
		t.Fatalf("could not unwrap bulkCmdDetail from %v", err)
	}
	if bd.Command != "oem mwrite 0x4 normal store bootloader" || bd.Reply != "failure: bad address" {
		t.Fatalf("detail = %+v", bd)
	}
}
