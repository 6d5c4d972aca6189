package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/omnidesk/omnidesk/internal/store"
)

// Config is an immutable snapshot of one configured channel instance, handed
// to adapters by the Registry. Adapters never load or mutate configuration
// themselves.
type Config struct {
	ID       string
	Type     store.ChannelType
	Name     string
	Settings map[string]string
}

// Setting returns a settings value or "".
func (c Config) Setting(key string) string {
	return c.Settings[key]
}

// RequireSetting returns a settings value or a permanent error naming the
// missing key; a retry cannot conjure credentials.
func (c Config) RequireSetting(key string) (string, error) {
	v, ok := c.Settings[key]
	if !ok || v == "" {
		return "", Permanent(fmt.Errorf("channel %s (%s): missing setting %q", c.ID, c.Type, key))
	}
	return v, nil
}

// Registry owns channel instance configuration. It is the single loading
// path: adapters receive snapshots through it instead of keeping their own
// store-backed state. Snapshots are cached briefly to keep the hot webhook
// path off the database.
type Registry struct {
	instances store.ChannelInstanceStore
	cache     *gocache.Cache
}

// NewRegistry creates a registry over the instance store.
func NewRegistry(instances store.ChannelInstanceStore) *Registry {
	return &Registry{
		instances: instances,
		cache:     gocache.New(30*time.Second, time.Minute),
	}
}

// ConfigFor resolves the configuration snapshot for a webhook. When the item
// carries an explicit channel instance id that instance is used; otherwise
// the active instance for the channel type. A missing configuration is a
// permanent error: the ingestion pipeline must fail loudly, not guess.
func (r *Registry) ConfigFor(ctx context.Context, t store.ChannelType, channelID string) (Config, error) {
	key := string(t) + "/" + channelID
	if cached, ok := r.cache.Get(key); ok {
		return cached.(Config), nil
	}

	var inst *store.ChannelInstance
	var err error
	if channelID != "" {
		inst, err = r.instances.Get(ctx, channelID)
	} else {
		inst, err = r.instances.ActiveByType(ctx, t)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Config{}, Permanent(fmt.Errorf("no channel configuration for %s", t))
		}
		return Config{}, fmt.Errorf("load channel config for %s: %w", t, err)
	}
	if !inst.Enabled {
		return Config{}, Permanent(fmt.Errorf("channel instance %s (%s) is disabled", inst.ID, t))
	}

	cfg := Config{
		ID:       inst.ID,
		Type:     inst.Type,
		Name:     inst.Name,
		Settings: inst.Settings,
	}
	r.cache.SetDefault(key, cfg)
	return cfg, nil
}

// Invalidate drops all cached snapshots. Called after instance updates and
// by the config file watcher in standalone mode.
func (r *Registry) Invalidate() {
	r.cache.Flush()
}
