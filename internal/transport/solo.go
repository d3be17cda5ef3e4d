package transport

import (
	"log/slog"

	"collabtext/internal/protocol"
)

// Solo is the transport of a session whose medium could not be set up.
// Sends are dropped and nothing is ever received, so presence and sync
// quietly do nothing while local editing keeps working.
type Solo struct {
	Logger *slog.Logger
}

func (s Solo) Send(env protocol.Envelope) {
	if s.Logger != nil {
		s.Logger.Debug("solo session, envelope not sent", "kind", env.Kind())
	}
}

func (Solo) OnReceive(func(protocol.Envelope)) func() { return func() {} }

func (Solo) Close() error { return nil }
