package redis

import (
	"testing"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/sensahq/mapsync/store"
	"github.com/sensahq/mapsync/store/storetest"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments
	// without Redis.
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis store tests: %v", err)
		return
	}
	_ = s.Close()

	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		var cfg Config
		_ = envdecode.Decode(&cfg)
		// Unique prefix per test keeps runs isolated on a shared server.
		cfg.KeyPrefix = "mapsynctest:" + uuid.NewString() + ":"
		ss, err := New(cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = ss.Close() })
		return ss
	})
}
