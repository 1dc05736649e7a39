package livesocket

import (
	"context"
	"fmt"
)

// Transport is a single underlying connection. A Controller owns every transport it creates and
// never hands it out.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Sink receives the asynchronous notifications of a transport.
//
// A transport reports Closed at most once and must not report it for a close it was asked to perform
// through Transport.Close.
type Sink interface {
	Opened()
	Received(payload []byte)
	Closed(err error)
}

// Factory builds a new real transport that reports to sink. It must return without calling sink;
// notifications are delivered later from the transport's own goroutines.
type Factory func(sink Sink) (Transport, error)

// State tags what the controller currently holds.
type State int

const (
	StateAbsent State = iota
	StateInert
	StateReal
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInert:
		return "inert"
	case StateReal:
		return "real"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// generationSink binds notifications to the transport generation they belong to, so that a replaced
// transport cannot act on the controller.
type generationSink struct {
	c   *Controller
	gen uint64
}

func (s *generationSink) Opened() {
	s.c.handleOpened(s.gen)
}

func (s *generationSink) Received(payload []byte) {
	s.c.handleReceived(s.gen, payload)
}

func (s *generationSink) Closed(err error) {
	s.c.handleClosed(s.gen, err)
}
