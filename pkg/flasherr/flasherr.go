// Package flasherr defines the typed error kinds spec.md §7 requires the
// rest of the module to surface, and the CLI's mapping from kind to process
// exit code.
package flasherr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec.md §7. It is not a Go
// error type by itself - Error below carries one plus whatever detail the
// kind names.
type Kind string

const (
	KindDeviceNotFound  Kind = "device_not_found"
	KindUsbError        Kind = "usb_error"
	KindTimeoutKind     Kind = "timeout"
	KindBulkCmdFailed   Kind = "bulkcmd_failed"
	KindStageMismatch   Kind = "stage_mismatch"
	KindArchiveError    Kind = "archive_error"
	KindManifestError   Kind = "manifest_error"
	KindUnsupported     Kind = "unsupported"
	KindPathTraversal   Kind = "path_traversal"
	KindCancelled       Kind = "cancelled"
)

// Error is the concrete error type every exported operation in this module
// returns. Use errors.As to recover it and inspect Kind.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a detail-only error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an error of the given kind that wraps a lower-level cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Timeout builds the Timeout{operation} kind from spec.md §7, optionally
// wrapping the last cause observed while waiting (e.g. the most recent
// find() failure during a Reopen poll loop).
func Timeout(operation string, cause error) *Error {
	return &Error{Kind: KindTimeoutKind, Detail: operation, Err: cause}
}

// BulkCmdFailed builds the BulkCmdFailed{command, reply} kind, preserving
// the raw device reply as spec.md §8's testable property 6 requires.
func BulkCmdFailed(command, reply string) *Error {
	return &Error{Kind: KindBulkCmdFailed, Detail: fmt.Sprintf("command=%q reply=%q", command, reply), Err: &bulkCmdDetail{command, reply}}
}

type bulkCmdDetail struct {
	Command, Reply string
}

func (b *bulkCmdDetail) Error() string { return fmt.Sprintf("command=%q reply=%q", b.Command, b.Reply) }

// StageMismatch builds the StageMismatch{expected, actual} kind.
func StageMismatch(expected, actual fmt.Stringer) *Error {
	return &Error{Kind: KindStageMismatch, Detail: fmt.Sprintf("expected %s, got %s", expected, actual)}
}

// ArchiveError builds the ArchiveError{detail} kind.
func ArchiveError(detail string) *Error {
	return &Error{Kind: KindArchiveError, Detail: detail}
}

// ManifestError builds the ManifestError{pointer, detail} kind, with a
// JSON-pointer location as spec.md §8's testable property 2 requires.
func ManifestError(pointer, detail string) *Error {
	return &Error{Kind: KindManifestError, Detail: fmt.Sprintf("%s: %s", pointer, detail)}
}

// Unsupported builds the Unsupported{step_kind} kind.
func Unsupported(stepKind string) *Error {
	return &Error{Kind: KindUnsupported, Detail: stepKind}
}

// PathTraversal builds the PathTraversal{path} kind.
func PathTraversal(path string) *Error {
	return &Error{Kind: KindPathTraversal, Detail: path}
}

// Cancelled builds the Cancelled kind.
func Cancelled() *Error {
	return &Error{Kind: KindCancelled}
}

// ExitCode maps an error kind to the process exit code spec.md §6 defines.
// Errors that aren't *Error (e.g. usage errors from the flag parser) map to
// exit code 1 by convention of the caller.
func ExitCode(err error) int {
	var fe *Error
	if !errors.As(err, &fe) {
		return 1
	}
	switch fe.Kind {
	case KindDeviceNotFound:
		return 2
	case KindCancelled:
		return 4
	default:
		return 3
	}
}
