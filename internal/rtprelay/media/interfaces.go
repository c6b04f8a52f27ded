package media

import (
	"net"
)

// CaptureObserver receives capture server lifecycle and data signals.
// Callbacks run on the server's receive goroutine, one at a time, in
// datagram arrival order. They must not call Close on the same server
// synchronously; cancel the Serve context or call Close from another goroutine.
type CaptureObserver interface {
	// OnListening is called once the socket is bound.
	OnListening(addr net.Addr)

	// OnData is called for every accepted datagram with the stripped and
	// possibly byte-swapped payload. The slice is owned by the observer.
	OnData(payload []byte, from net.Addr)

	// OnError is called for errors that end the session.
	OnError(err error)

	// OnClose is called once when the server closes.
	OnClose()
}

// CaptureObserverFuncs adapts plain functions to CaptureObserver. Nil fields are skipped.
type CaptureObserverFuncs struct {
	Listening func(addr net.Addr)
	Data      func(payload []byte, from net.Addr)
	Error     func(err error)
	Close     func()
}

func (f CaptureObserverFuncs) OnListening(addr net.Addr) {
	if f.Listening != nil {
		f.Listening(addr)
	}
}

func (f CaptureObserverFuncs) OnData(payload []byte, from net.Addr) {
	if f.Data != nil {
		f.Data(payload, from)
	}
}

func (f CaptureObserverFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f CaptureObserverFuncs) OnClose() {
	if f.Close != nil {
		f.Close()
	}
}

// Ensure CaptureObserverFuncs implements CaptureObserver
var _ CaptureObserver = CaptureObserverFuncs{}
