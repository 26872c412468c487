//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/chatsync/internal/config"
	"github.com/hyperengineering/chatsync/internal/connectivity"
	"github.com/hyperengineering/chatsync/internal/coordinator"
	"github.com/hyperengineering/chatsync/pkg/chatsync"
)

const (
	adminKey  = "e2e-admin-key"
	remoteKey = "e2e-remote-key"
)

// fakeRemote is the chat service the daemon syncs against. Its health
// endpoint reports unavailable until up is set.
type fakeRemote struct {
	*httptest.Server
	up atomic.Bool

	mu   sync.Mutex
	keys []string
}

func startRemote(t *testing.T) *fakeRemote {
	t.Helper()
	fr := &fakeRemote{}

	r := chi.NewRouter()
	r.Get("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if !fr.up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+remoteKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		fr.mu.Lock()
		fr.keys = append(fr.keys, r.Header.Get("Idempotency-Key"))
		fr.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	})

	fr.Server = httptest.NewServer(r)
	t.Cleanup(fr.Close)
	return fr
}

func (fr *fakeRemote) idempotencyKeys() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string{}, fr.keys...)
}

// syncDaemon manages a running `syncctl` process serving the admin API.
type syncDaemon struct {
	cmd     *exec.Cmd
	dataDir string
	dbPath  string
	address string
	remote  *fakeRemote
	logFile string
}

// startDaemon launches syncctl against dataDir and waits for the admin API.
// syncctl is configured entirely via environment variables.
func startDaemon(t *testing.T, dataDir string, remote *fakeRemote) *syncDaemon {
	t.Helper()
	requireSyncctl(t)

	d := &syncDaemon{
		dataDir: dataDir,
		dbPath:  filepath.Join(dataDir, "chatsync.db"),
		address: fmt.Sprintf("127.0.0.1:%d", freePort(t)),
		remote:  remote,
		logFile: filepath.Join(dataDir, fmt.Sprintf("syncctl-%d.log", time.Now().UnixNano())),
	}

	cmd := exec.Command(syncctlBin)
	cmd.Env = append(d.env(),
		"CHATSYNC_ADMIN_LISTEN="+d.address,
		"CHATSYNC_ADMIN_KEY="+adminKey,
		"CHATSYNC_PROBE_INTERVAL=50ms",
		"CHATSYNC_LOG_LEVEL=debug",
	)

	lf, err := os.Create(d.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start syncctl: %v", err)
	}
	d.cmd = cmd

	t.Cleanup(func() {
		d.stop()
		lf.Close()
	})

	if err := d.waitHealthy(10 * time.Second); err != nil {
		log, _ := os.ReadFile(d.logFile)
		t.Fatalf("syncctl not healthy: %v\n%s", err, log)
	}
	return d
}

func (d *syncDaemon) env() []string {
	return append(os.Environ(),
		"CHATSYNC_CONFIG_PATH="+filepath.Join(d.dataDir, "nonexistent.yaml"),
		"CHATSYNC_STORE_PATH="+d.dbPath,
		"CHATSYNC_REMOTE_URL="+d.remote.URL,
		"CHATSYNC_API_KEY="+remoteKey,
	)
}

func (d *syncDaemon) stop() {
	if d.cmd != nil && d.cmd.Process != nil && d.cmd.ProcessState == nil {
		_ = d.cmd.Process.Signal(os.Interrupt)
		_ = d.cmd.Wait()
	}
}

func (d *syncDaemon) baseURL() string {
	return "http://" + d.address
}

func (d *syncDaemon) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := d.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("syncctl not healthy after %s", timeout)
}

// admin performs an authenticated admin API call and decodes a JSON reply
// into out when out is non-nil.
func (d *syncDaemon) admin(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, d.baseURL()+path, r)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// outboxStats fetches GET /api/v1/outbox/stats.
func (d *syncDaemon) outboxStats(t *testing.T) map[string]int {
	t.Helper()
	var stats map[string]int
	if status := d.admin(t, http.MethodGet, "/api/v1/outbox/stats", "", &stats); status != http.StatusOK {
		t.Fatalf("outbox stats: status %d", status)
	}
	return stats
}

// cli runs a one-shot syncctl command against the daemon's data.
func (d *syncDaemon) cli(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(syncctlBin, args...)
	cmd.Env = d.env()
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// seedOffline queues session mutations into the store at dbPath with an
// offline client, as an application would before the daemon runs.
func seedOffline(t *testing.T, dbPath string, sessionIDs ...string) []string {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = dbPath
	cfg.Store.WatchSchema = false

	client, err := chatsync.New(context.Background(), cfg,
		chatsync.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		chatsync.WithMonitor(connectivity.NewMonitor(false)),
	)
	if err != nil {
		t.Fatalf("chatsync.New() error = %v", err)
	}
	defer client.Close()

	var ids []string
	for _, id := range sessionIDs {
		res, err := client.Mutate(context.Background(), chatsync.Mutation{
			Method:     http.MethodPost,
			Path:       "/api/v1/sessions",
			Body:       json.RawMessage(fmt.Sprintf(`{"id":%q,"title":"e2e"}`, id)),
			Collection: coordinator.SessionsCollection,
		})
		if err != nil {
			t.Fatalf("Mutate(%s) error = %v", id, err)
		}
		ids = append(ids, res.QueueID)
	}
	return ids
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
