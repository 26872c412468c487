//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDaemon_DrainsOnRecovery verifies that mutations queued offline are
// delivered once the remote becomes reachable, keyed by their queue ids.
func TestDaemon_DrainsOnRecovery(t *testing.T) {
	requireSyncctl(t)

	remote := startRemote(t)
	dataDir := t.TempDir()
	ids := seedOffline(t, filepath.Join(dataDir, "chatsync.db"), "s1", "s2")

	d := startDaemon(t, dataDir, remote)
	if stats := d.outboxStats(t); stats["pending"] != 2 {
		t.Fatalf("pending = %d before recovery, want 2", stats["pending"])
	}

	remote.up.Store(true)
	waitFor(t, "drain on recovery", 10*time.Second, func() bool {
		return len(remote.idempotencyKeys()) == 2
	})

	keys := remote.idempotencyKeys()
	for i, id := range ids {
		if keys[i] != id {
			t.Errorf("delivery %d Idempotency-Key = %s, want %s", i, keys[i], id)
		}
	}
	waitFor(t, "outbox purge", 5*time.Second, func() bool {
		stats := d.outboxStats(t)
		return stats["pending"] == 0 && stats["processing"] == 0
	})
}

// TestDaemon_DisabledHoldsQueue verifies that disabling offline support
// through the admin API keeps entries queued across a manual drain request.
func TestDaemon_DisabledHoldsQueue(t *testing.T) {
	requireSyncctl(t)

	remote := startRemote(t)
	dataDir := t.TempDir()
	seedOffline(t, filepath.Join(dataDir, "chatsync.db"), "s1")
	d := startDaemon(t, dataDir, remote)

	if status := d.admin(t, http.MethodPut, "/api/v1/sync/enabled", `{"enabled":false}`, nil); status >= 300 {
		t.Fatalf("disable: status %d", status)
	}

	var health struct {
		Enabled bool `json:"enabled"`
	}
	d.admin(t, http.MethodGet, "/api/v1/health", "", &health)
	if health.Enabled {
		t.Fatal("health reports offline support enabled after disabling")
	}

	remote.up.Store(true)
	time.Sleep(300 * time.Millisecond)
	if n := len(remote.idempotencyKeys()); n != 0 {
		t.Errorf("remote received %d deliveries while disabled", n)
	}
}

// TestDaemon_RestartKeepsOutbox verifies the outbox survives a daemon
// restart on the same data and is readable by the one-shot CLI.
func TestDaemon_RestartKeepsOutbox(t *testing.T) {
	requireSyncctl(t)

	remote := startRemote(t)
	dataDir := t.TempDir()
	ids := seedOffline(t, filepath.Join(dataDir, "chatsync.db"), "s1")

	first := startDaemon(t, dataDir, remote)
	if stats := first.outboxStats(t); stats["pending"] != 1 {
		t.Fatalf("pending = %d, want 1", stats["pending"])
	}
	first.stop()

	out, err := first.cli(t, "outbox", "list", "--json")
	if err != nil {
		t.Fatalf("outbox list: %v\n%s", err, out)
	}
	var listed struct {
		Entries []struct {
			ID string `json:"id"`
		} `json:"entries"`
	}
	if err := json.Unmarshal([]byte(out[strings.Index(out, "{"):]), &listed); err != nil {
		t.Fatalf("parse outbox list: %v\n%s", err, out)
	}
	if len(listed.Entries) != 1 || listed.Entries[0].ID != ids[0] {
		t.Fatalf("entries = %+v, want %s", listed.Entries, ids[0])
	}

	remote.up.Store(true)
	startDaemon(t, dataDir, remote)
	waitFor(t, "delivery after restart", 10*time.Second, func() bool {
		return len(remote.idempotencyKeys()) == 1
	})
}
