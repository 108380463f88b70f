// Package transporttest provides a fake transport.Transport for tests in
// pkg/protocol and pkg/executor, recording every control transfer issued so
// tests can assert on exact bRequest/wValue/wIndex/payload tuples (e.g.
// end-to-end scenario S3).
package transporttest

import (
	"github.com/carthing-tools/flashthing/pkg/devices"
)

// Call records one control transfer.
type Call struct {
	Write   bool
	Request uint8
	Value   uint16
	Index   uint16
	Payload []byte // for writes
	Length  int    // for reads
}

// Fake is a scriptable transport.Transport. ReadFunc, if set, computes the
// response to each ControlRead; otherwise ControlRead returns Length zero
// bytes. WriteErr, if set, is returned by every ControlWrite.
type Fake struct {
	StageVal    devices.Stage
	Calls       []Call
	WriteErr    error
	WriteFunc   func(request uint8, value, index uint16, payload []byte)
	ReadFunc    func(request uint8, value, index uint16, length int) ([]byte, error)
	ReopenFunc  func() error
	ReopenCalls int
	CloseCalls  int
}

func (f *Fake) ControlWrite(request uint8, value, index uint16, payload []byte) error {
	f.Calls = append(f.Calls, Call{Write: true, Request: request, Value: value, Index: index, Payload: append([]byte{}, payload...)})
	if f.WriteFunc != nil {
		f.WriteFunc(request, value, index, payload)
	}
	return f.WriteErr
}

func (f *Fake) ControlRead(request uint8, value, index uint16, length int) ([]byte, error) {
	f.Calls = append(f.Calls, Call{Write: false, Request: request, Value: value, Index: index, Length: length})
	if f.ReadFunc != nil {
		return f.ReadFunc(request, value, index, length)
	}
	return make([]byte, length), nil
}

func (f *Fake) Stage() devices.Stage { return f.StageVal }

func (f *Fake) Reopen() error {
	f.ReopenCalls++
	if f.ReopenFunc != nil {
		return f.ReopenFunc()
	}
	return nil
}

func (f *Fake) Close() error {
	f.CloseCalls++
	return nil
}
