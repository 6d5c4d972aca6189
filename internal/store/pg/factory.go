package pg

import (
	"fmt"

	"github.com/omnidesk/omnidesk/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Queue:            NewPGQueueStore(db),
		Contacts:         NewPGContactStore(db),
		Conversations:    NewPGConversationStore(db),
		Messages:         NewPGMessageStore(db),
		ChannelInstances: NewPGChannelInstanceStore(db),
	}, nil
}
