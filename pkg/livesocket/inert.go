package livesocket

import "context"

// InertTransport stands in for a real transport while no session is active. It is always open,
// drops everything sent to it, and never reports messages or closes.
type InertTransport struct{}

var _ Transport = InertTransport{}

func (InertTransport) Send(context.Context, []byte) error {
	return nil
}

func (InertTransport) Close() error {
	return nil
}

func (InertTransport) IsOpen() bool {
	return true
}
