package replicate

import "context"

// Connection is the transport a Puller speaks over: something that can send
// and receive [Message] envelopes. [WebSocketConnection] is the production
// implementation; tests use an in-process fake.
type Connection interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}
