package msg

import "context"

// Sender delivers one outbound message to a user over the messaging
// protocol. The transport itself lives behind this interface.
type Sender interface {
	Send(ctx context.Context, pubkey, text string) error
}

// Logged wraps a Sender and records every delivered message in the
// diagnostic log (redacted, see Redact).
type Logged struct {
	Sender Sender
	Log    *Log
}

func (l *Logged) Send(ctx context.Context, pubkey, text string) error {
	if err := l.Sender.Send(ctx, pubkey, text); err != nil {
		return err
	}
	l.Log.Record(pubkey, DirectionOut, text)
	return nil
}
