package broadcast

import "context"

// Event is a frame addressed to a chat group.
type Event struct {
	ChatID  int64
	Payload []byte
	// Exclude names a local subscriber that must not receive the frame.
	Exclude string
}

// Bus carries events to every node's registry.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LocalBus delivers events to a single in-process registry.
type LocalBus struct {
	reg *Registry
}

// NewLocalBus creates a bus for single-node deployments.
func NewLocalBus(reg *Registry) *LocalBus {
	return &LocalBus{reg: reg}
}

// Publish fans the event out synchronously.
func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.reg.Publish(ev.ChatID, ev.Payload, ev.Exclude)
	return nil
}

// Close is a no-op.
func (b *LocalBus) Close() error { return nil }
