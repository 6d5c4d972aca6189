package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
)

func seedInstance(t *testing.T, instances store.ChannelInstanceStore, inst store.ChannelInstance) {
	t.Helper()
	if err := instances.Put(context.Background(), inst); err != nil {
		t.Fatal(err)
	}
}

func TestConfigForResolvesActiveInstance(t *testing.T) {
	instances := memory.NewChannelInstanceStore()
	seedInstance(t, instances, store.ChannelInstance{
		ID:       "tg-main",
		Type:     store.ChannelTelegram,
		Name:     "Main Bot",
		Enabled:  true,
		Settings: map[string]string{"token": "123:abc"},
	})
	r := NewRegistry(instances)

	cfg, err := r.ConfigFor(context.Background(), store.ChannelTelegram, "")
	if err != nil {
		t.Fatalf("ConfigFor() error = %v", err)
	}
	if cfg.ID != "tg-main" || cfg.Setting("token") != "123:abc" {
		t.Errorf("cfg = %+v", cfg)
	}

	cfg, err = r.ConfigFor(context.Background(), store.ChannelTelegram, "tg-main")
	if err != nil || cfg.ID != "tg-main" {
		t.Errorf("ConfigFor(by id) = %+v, %v", cfg, err)
	}
}

func TestConfigForMissingIsPermanent(t *testing.T) {
	r := NewRegistry(memory.NewChannelInstanceStore())

	_, err := r.ConfigFor(context.Background(), store.ChannelSlack, "")
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("error = %v, want permanent", err)
	}
}

func TestConfigForDisabledIsPermanent(t *testing.T) {
	instances := memory.NewChannelInstanceStore()
	seedInstance(t, instances, store.ChannelInstance{
		ID:      "dc-1",
		Type:    store.ChannelDiscord,
		Enabled: false,
	})
	r := NewRegistry(instances)

	_, err := r.ConfigFor(context.Background(), store.ChannelDiscord, "dc-1")
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("error = %v, want permanent", err)
	}
}

// Invalidate must drop cached snapshots so config edits take effect.
func TestInvalidateDropsCache(t *testing.T) {
	instances := memory.NewChannelInstanceStore()
	seedInstance(t, instances, store.ChannelInstance{
		ID:       "sl-1",
		Type:     store.ChannelSlack,
		Enabled:  true,
		Settings: map[string]string{"bot_token": "xoxb-old"},
	})
	r := NewRegistry(instances)

	cfg, err := r.ConfigFor(context.Background(), store.ChannelSlack, "")
	if err != nil || cfg.Setting("bot_token") != "xoxb-old" {
		t.Fatalf("cfg = %+v, %v", cfg, err)
	}

	seedInstance(t, instances, store.ChannelInstance{
		ID:       "sl-1",
		Type:     store.ChannelSlack,
		Enabled:  true,
		Settings: map[string]string{"bot_token": "xoxb-new"},
	})

	// Still cached.
	cfg, _ = r.ConfigFor(context.Background(), store.ChannelSlack, "")
	if cfg.Setting("bot_token") != "xoxb-old" {
		t.Fatalf("cache bypassed: %+v", cfg)
	}

	r.Invalidate()
	cfg, err = r.ConfigFor(context.Background(), store.ChannelSlack, "")
	if err != nil || cfg.Setting("bot_token") != "xoxb-new" {
		t.Fatalf("after invalidate cfg = %+v, %v", cfg, err)
	}
}

func TestRequireSetting(t *testing.T) {
	cfg := Config{ID: "x", Type: store.ChannelTelegram, Settings: map[string]string{"token": "t"}}

	if v, err := cfg.RequireSetting("token"); err != nil || v != "t" {
		t.Errorf("RequireSetting(token) = %q, %v", v, err)
	}
	if _, err := cfg.RequireSetting("missing"); !errors.Is(err, ErrPermanent) {
		t.Errorf("RequireSetting(missing) error = %v, want permanent", err)
	}
}
