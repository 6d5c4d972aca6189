// Package channels provides the adapter abstraction between provider
// protocols and the core pipeline. Each adapter translates one provider's
// wire format into the normalized InboundEvent and implements outbound sends.
package channels

import (
	"context"
	"errors"
	"fmt"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/store"
)

// ErrPermanent marks failures that retrying cannot fix (missing channel
// configuration, malformed-beyond-repair payload). The worker pool
// dead-letters these immediately instead of burning the retry budget.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// InboundSink consumes normalized inbound events. Implemented by the
// ingestion pipeline; adapters never touch storage directly.
type InboundSink interface {
	Ingest(ctx context.Context, ev bus.InboundEvent) error
}

// Adapter is the contract every provider integration implements.
//
// HandleWebhook may return an error to signal a retryable failure; wrap with
// Permanent to dead-letter instead. SendMessage failures are logged by the
// caller and isolated per channel; they never block other channels.
type Adapter interface {
	Type() store.ChannelType
	HandleWebhook(ctx context.Context, payload []byte, channelID string) error
	SendMessage(ctx context.Context, recipient, content string) error
}

// AdapterSet is the closed dispatch table from channel type to adapter.
// Built once at startup from explicit registrations; lookups of types without
// an adapter report ok=false and the worker treats the item as permanent.
type AdapterSet struct {
	adapters map[store.ChannelType]Adapter
}

// NewAdapterSet builds the table. Registering two adapters for one type is a
// wiring bug and panics at startup.
func NewAdapterSet(adapters ...Adapter) *AdapterSet {
	set := &AdapterSet{adapters: make(map[store.ChannelType]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := set.adapters[a.Type()]; dup {
			panic(fmt.Sprintf("duplicate adapter for channel type %s", a.Type()))
		}
		set.adapters[a.Type()] = a
	}
	return set
}

// Resolve returns the adapter for a channel type.
func (s *AdapterSet) Resolve(t store.ChannelType) (Adapter, bool) {
	a, ok := s.adapters[t]
	return a, ok
}

// Types returns the channel types with a registered adapter.
func (s *AdapterSet) Types() []store.ChannelType {
	out := make([]store.ChannelType, 0, len(s.adapters))
	for _, t := range store.AllChannelTypes {
		if _, ok := s.adapters[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
