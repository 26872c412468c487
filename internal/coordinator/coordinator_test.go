package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/chatsync/internal/connectivity"
	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/internal/remote"
	"github.com/hyperengineering/chatsync/internal/store"
	"github.com/hyperengineering/chatsync/internal/stream"
)

// --- Fake remote ---

type call struct {
	Method         string
	Path           string
	Body           string
	IdempotencyKey string
}

type fakeCaller struct {
	mu      sync.Mutex
	calls   []call
	respond func(c call) (*remote.Response, error)
}

func (f *fakeCaller) Call(ctx context.Context, method, path string, body json.RawMessage, opts ...remote.CallOption) (*remote.Response, error) {
	req, _ := http.NewRequest(method, "http://remote.test"+path, nil)
	for _, opt := range opts {
		opt(req)
	}
	c := call{Method: method, Path: path, Body: string(body), IdempotencyKey: req.Header.Get("Idempotency-Key")}

	f.mu.Lock()
	f.calls = append(f.calls, c)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &remote.Response{StatusCode: http.StatusOK, Data: json.RawMessage(`{"ok":true}`)}, nil
	}
	return respond(c)
}

func (f *fakeCaller) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

var (
	errUnavailable = &remote.Error{StatusCode: http.StatusServiceUnavailable, Message: "down", Network: true}
	errValidation  = &remote.Error{StatusCode: http.StatusUnprocessableEntity, Code: "invalid", Message: "title is required"}
)

// --- Fake stream dialer ---

type script struct {
	frames []stream.Frame
	hold   bool
}

type fakeDialer struct {
	mu      sync.Mutex
	scripts []script
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, req stream.Request, resume string) (stream.FrameReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := min(d.dials, len(d.scripts)-1)
	d.dials++
	return &fakeReader{s: d.scripts[i]}, nil
}

type fakeReader struct {
	s   script
	pos int
}

func (r *fakeReader) ReadFrame(ctx context.Context) (stream.Frame, error) {
	if r.pos < len(r.s.frames) {
		f := r.s.frames[r.pos]
		r.pos++
		return f, nil
	}
	if r.s.hold {
		<-ctx.Done()
		return stream.Frame{}, ctx.Err()
	}
	return stream.Frame{}, io.EOF
}

func (r *fakeReader) Close() error { return nil }

func frame(typ, data string) stream.Frame {
	return stream.Frame{Type: typ, Data: []byte(data)}
}

// --- Harness ---

type harness struct {
	store   *store.Store
	queue   *outbox.Queue
	monitor *connectivity.Monitor
	caller  *fakeCaller
	dialer  *fakeDialer
	coord   *Coordinator
}

func newHarness(t *testing.T, online bool, opts Options) *harness {
	t.Helper()
	ctx := context.Background()

	schema, err := Schema(1)
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	st, err := store.Open(ctx, ":memory:", schema)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := outbox.New(st)
	if err != nil {
		t.Fatalf("outbox.New() error = %v", err)
	}

	h := &harness{
		store:   st,
		queue:   q,
		monitor: connectivity.NewMonitor(online),
		caller:  &fakeCaller{},
		dialer:  &fakeDialer{scripts: []script{{hold: true}}},
	}
	tr := stream.NewTransport(h.dialer, stream.WithOptions(stream.Options{
		ConnectTimeout:     time.Second,
		MaxSessionDuration: time.Minute,
	}))

	h.coord, err = New(st, q, tr, h.caller, h.monitor, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) cached(t *testing.T, collection string, key any) map[string]any {
	t.Helper()
	raw, err := h.store.Get(context.Background(), collection, key)
	if err != nil {
		t.Fatalf("Get(%s, %v) error = %v", collection, key, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (h *harness) stats(t *testing.T) outbox.Stats {
	t.Helper()
	s, err := h.queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func createSession(id, title string) Mutation {
	body := `{"id":"` + id + `","title":"` + title + `"}`
	return Mutation{
		Method:     http.MethodPost,
		Path:       "/api/sessions",
		Body:       json.RawMessage(body),
		Collection: SessionsCollection,
	}
}

// --- Construction ---

func TestNew_RequiresCollections(t *testing.T) {
	st, err := store.Open(context.Background(), ":memory:", store.Schema{
		Version:     1,
		Collections: []store.Collection{outbox.Collection()},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	q, err := outbox.New(st)
	if err != nil {
		t.Fatal(err)
	}

	_, err = New(st, q, stream.NewTransport(&fakeDialer{}), &fakeCaller{}, connectivity.NewMonitor(true), Options{})
	if !errors.Is(err, store.ErrUnknownCollection) {
		t.Errorf("New() error = %v, want ErrUnknownCollection", err)
	}
}

func TestSchema_RejectsDuplicateCollection(t *testing.T) {
	if _, err := Schema(1, store.Collection{Name: MessagesCollection, KeyPath: []string{"id"}}); err == nil {
		t.Error("Schema() accepted a duplicate collection")
	}
}

// --- Mutations ---

func TestMutate_OnlineCachesResponse(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.caller.respond = func(c call) (*remote.Response, error) {
		return &remote.Response{StatusCode: 201, Data: json.RawMessage(`{"id":"s1","title":"Trip","version":1}`)}, nil
	}

	res, err := h.coord.Mutate(context.Background(), createSession("s1", "Trip"))
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if res.Queued {
		t.Error("online mutation should not be queued")
	}

	rec := h.cached(t, SessionsCollection, "s1")
	if rec["syncStatus"] != string(SyncSynced) || rec["version"] != float64(1) {
		t.Errorf("cached = %v", rec)
	}
	if s := h.stats(t); s.Total() != 0 {
		t.Errorf("queue = %+v, want empty", s)
	}
}

func TestMutate_NetworkFailureQueues(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.caller.respond = func(call) (*remote.Response, error) { return nil, errUnavailable }

	res, err := h.coord.Mutate(context.Background(), createSession("s1", "Trip"))
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if !res.Queued || res.QueueID == "" {
		t.Fatalf("result = %+v, want queued", res)
	}

	rec := h.cached(t, SessionsCollection, "s1")
	if rec["syncStatus"] != string(SyncPending) || rec["title"] != "Trip" {
		t.Errorf("cached = %v", rec)
	}
	if s := h.stats(t); s.Pending != 1 {
		t.Errorf("queue = %+v, want 1 pending", s)
	}
}

func TestMutate_NonNetworkFailureSurfaces(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.caller.respond = func(call) (*remote.Response, error) { return nil, errValidation }

	_, err := h.coord.Mutate(context.Background(), createSession("s1", "Trip"))
	var re *remote.Error
	if !errors.As(err, &re) || re.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("Mutate() error = %v, want validation error", err)
	}
	if s := h.stats(t); s.Total() != 0 {
		t.Errorf("queue = %+v, want empty", s)
	}
	if _, err := h.store.Get(context.Background(), SessionsCollection, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMutate_OfflineDeleteRemovesImmediately(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	if err := h.store.Put(ctx, SessionsCollection, map[string]any{"id": "s1"}); err != nil {
		t.Fatal(err)
	}

	res, err := h.coord.Mutate(ctx, Mutation{
		Method:     http.MethodDelete,
		Path:       "/api/sessions/s1",
		Collection: SessionsCollection,
		Key:        "s1",
	})
	if err != nil || !res.Queued {
		t.Fatalf("Mutate() = %+v, %v", res, err)
	}
	if _, err := h.store.Get(ctx, SessionsCollection, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if len(h.caller.Calls()) != 0 {
		t.Error("offline mutation reached the remote")
	}
}

func TestMutate_Disabled(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.coord.SetEnabled(false)

	res, err := h.coord.Mutate(context.Background(), createSession("s1", "Trip"))
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if res.Queued {
		t.Error("disabled coordinator queued a mutation")
	}
	if n := len(h.caller.Calls()); n != 1 {
		t.Errorf("remote calls = %d, want 1", n)
	}
	if _, err := h.store.Get(context.Background(), SessionsCollection, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("disabled coordinator cached a record")
	}
}

func TestMutate_Invalid(t *testing.T) {
	h := newHarness(t, true, Options{})
	if _, err := h.coord.Mutate(context.Background(), Mutation{Path: "/x"}); !errors.Is(err, ErrInvalidMutation) {
		t.Errorf("Mutate() error = %v, want ErrInvalidMutation", err)
	}

	h.monitor.Set(false)
	_, err := h.coord.Mutate(context.Background(), Mutation{
		Method: http.MethodPost, Path: "/api/sessions", Collection: SessionsCollection,
		Body: json.RawMessage(`{"title":"no id"}`),
	})
	if !errors.Is(err, store.ErrMissingKey) {
		t.Errorf("Mutate() error = %v, want ErrMissingKey", err)
	}
}

// --- Drain ---

func TestRun_DrainsWhenOnline(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var queued []string
	for _, id := range []string{"s1", "s2", "s3"} {
		res, err := h.coord.Mutate(ctx, createSession(id, "t-"+id))
		if err != nil {
			t.Fatalf("Mutate(%s) error = %v", id, err)
		}
		queued = append(queued, res.QueueID)
	}
	if s := h.stats(t); s.Pending != 3 {
		t.Fatalf("queue = %+v, want 3 pending", s)
	}

	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()
	h.monitor.Set(true)

	waitFor(t, "queue drained and purged", func() bool { return h.stats(t).Total() == 0 })

	calls := h.caller.Calls()
	if len(calls) != 3 {
		t.Fatalf("remote calls = %d, want 3", len(calls))
	}
	for i, c := range calls {
		if c.IdempotencyKey != queued[i] {
			t.Errorf("call %d idempotency key = %q, want %q", i, c.IdempotencyKey, queued[i])
		}
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if rec := h.cached(t, SessionsCollection, id); rec["syncStatus"] != string(SyncSynced) {
			t.Errorf("%s syncStatus = %v, want synced", id, rec["syncStatus"])
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRun_DisabledSkipsDrainOnRecovery(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"s1", "s2"} {
		if _, err := h.coord.Mutate(ctx, createSession(id, "t-"+id)); err != nil {
			t.Fatalf("Mutate(%s) error = %v", id, err)
		}
	}
	h.coord.SetEnabled(false)

	go h.coord.Run(ctx)
	h.monitor.Set(true)
	time.Sleep(100 * time.Millisecond)

	if n := len(h.caller.Calls()); n != 0 {
		t.Fatalf("remote calls = %d while disabled, want 0", n)
	}
	if s := h.stats(t); s.Pending != 2 {
		t.Errorf("queue = %+v, want 2 pending", s)
	}

	h.coord.SetEnabled(true)
	h.monitor.Set(false)
	h.monitor.Set(true)
	waitFor(t, "drain after re-enabling", func() bool { return len(h.caller.Calls()) == 2 })
}

func TestRun_GoingOfflineStopsDrain(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		if _, err := h.coord.Mutate(ctx, createSession(fmt.Sprintf("s%d", i), "t")); err != nil {
			t.Fatal(err)
		}
	}

	var once sync.Once
	h.caller.respond = func(call) (*remote.Response, error) {
		once.Do(func() {
			h.coord.cycleMu.Lock()
			gen := h.coord.drainGen
			h.coord.cycleMu.Unlock()
			h.monitor.Set(false)
			for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
				h.coord.cycleMu.Lock()
				moved := h.coord.drainGen != gen
				h.coord.cycleMu.Unlock()
				if moved {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
		})
		return &remote.Response{StatusCode: http.StatusOK, Data: json.RawMessage(`{}`)}, nil
	}

	go h.coord.Run(ctx)
	h.monitor.Set(true)

	waitFor(t, "first delivery", func() bool { return len(h.caller.Calls()) >= 1 })
	time.Sleep(100 * time.Millisecond)

	if n := len(h.caller.Calls()); n != 1 {
		t.Errorf("remote calls = %d, want only the in-flight delivery", n)
	}
	if s := h.stats(t); s.Pending != 4 || s.Processing != 0 {
		t.Errorf("queue = %+v, want 4 pending", s)
	}
}

func TestCancelDrain_BeforeCycleStarts(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	if _, err := h.coord.Mutate(ctx, createSession("s1", "Trip")); err != nil {
		t.Fatal(err)
	}

	// A cycle requested before the cancel must not deliver once it starts.
	h.coord.cycleMu.Lock()
	gen := h.coord.drainGen
	h.coord.cycleMu.Unlock()
	h.coord.CancelDrain()

	report, err := h.coord.drainCycle(ctx, gen)
	if err != nil {
		t.Fatalf("drainCycle() error = %v", err)
	}
	if !report.Cancelled || report.Delivered != 0 {
		t.Errorf("report = %+v, want cancelled with no deliveries", report)
	}
	if n := len(h.caller.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}

	// A fresh request is unaffected.
	report, err = h.coord.Drain(ctx)
	if err != nil || report.Delivered != 1 {
		t.Errorf("Drain() = %+v, %v, want one delivery", report, err)
	}
}

func TestDrain_NonNetworkFailureIsPermanent(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	if _, err := h.coord.Mutate(ctx, createSession("s1", "Trip")); err != nil {
		t.Fatal(err)
	}

	h.caller.respond = func(call) (*remote.Response, error) { return nil, errValidation }
	report, err := h.coord.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if report.Failed != 1 || len(report.Errors) != 1 || !report.Errors[0].Permanent {
		t.Fatalf("report = %+v", report)
	}

	rec := h.cached(t, SessionsCollection, "s1")
	if rec["syncStatus"] != string(SyncFailed) || rec["syncError"] == nil {
		t.Errorf("cached = %v, want failed with syncError", rec)
	}

	if _, err := h.coord.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(h.caller.Calls()); n != 1 {
		t.Errorf("remote calls = %d, permanent failure was retried", n)
	}
}

func TestDrain_NetworkFailureStaysPending(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	if _, err := h.coord.Mutate(ctx, createSession("s1", "Trip")); err != nil {
		t.Fatal(err)
	}

	h.caller.respond = func(call) (*remote.Response, error) { return nil, errUnavailable }
	report, err := h.coord.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || report.Errors[0].Permanent {
		t.Fatalf("report = %+v, want one retryable failure", report)
	}
	if rec := h.cached(t, SessionsCollection, "s1"); rec["syncStatus"] != string(SyncPending) {
		t.Errorf("syncStatus = %v, want pending", rec["syncStatus"])
	}
	if s := h.stats(t); s.Failed != 1 {
		t.Errorf("queue = %+v, failed entry should be kept for retry", s)
	}
}

func TestDrain_StaleMutation(t *testing.T) {
	tests := []struct {
		name        string
		rejectStale bool
		wantCalls   int
		wantFailed  int
	}{
		{"last writer wins", false, 1, 0},
		{"reject stale", true, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false, Options{RejectStale: tt.rejectStale})
			ctx := context.Background()

			m := createSession("s1", "edit")
			m.BaseVersion = 1
			if _, err := h.coord.Mutate(ctx, m); err != nil {
				t.Fatal(err)
			}
			if v := h.cached(t, SessionsCollection, "s1")["version"]; v != float64(1) {
				t.Fatalf("pending version = %v, want base version 1", v)
			}

			// A newer version arrives from elsewhere before the drain.
			newer := map[string]any{"id": "s1", "title": "remote", "version": 2, "syncStatus": "synced"}
			if err := h.store.Put(ctx, SessionsCollection, newer); err != nil {
				t.Fatal(err)
			}

			report, err := h.coord.Drain(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n := len(h.caller.Calls()); n != tt.wantCalls {
				t.Errorf("remote calls = %d, want %d", n, tt.wantCalls)
			}
			if report.Failed != tt.wantFailed {
				t.Errorf("failed = %d, want %d", report.Failed, tt.wantFailed)
			}
			if tt.rejectStale && !errors.Is(report.Errors[0], ErrStaleMutation) {
				t.Errorf("error = %v, want ErrStaleMutation", report.Errors[0])
			}
		})
	}
}

func TestDrain_ConcurrentCallersShareCycle(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	if _, err := h.coord.Mutate(ctx, createSession("s1", "Trip")); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	h.caller.respond = func(call) (*remote.Response, error) {
		close(started)
		<-release
		return &remote.Response{StatusCode: 200, Data: json.RawMessage(`{}`)}, nil
	}

	reports := make(chan DrainReport, 2)
	go func() {
		r, _ := h.coord.Drain(ctx)
		reports <- r
	}()
	<-started
	go func() {
		r, _ := h.coord.Drain(ctx)
		reports <- r
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if r := <-reports; r.Delivered != 1 {
			t.Errorf("report %d = %+v, want the shared cycle", i, r)
		}
	}
	if n := len(h.caller.Calls()); n != 1 {
		t.Errorf("remote calls = %d, want 1", n)
	}
}

// --- Streams ---

func TestOpenStream_ReconcilesContent(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.dialer.scripts = []script{{frames: []stream.Frame{
		frame("metadata", `{"metadata":{"model":"m1"}}`),
		frame("content", `{"text":"a","seq":1}`),
		frame("content", `{"text":"b","seq":2}`),
		frame("end", `{"content":"ab","metadata":{"tokens":2}}`),
	}}}

	changes, unsubscribe := h.store.Subscribe(MessagesCollection)
	defer unsubscribe()

	s, err := h.coord.OpenStream(context.Background(), StreamRequest{ConversationID: "c1", MessageID: "m1"})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	<-s.Settled()

	var observed []string
	for len(changes) > 0 {
		var m Message
		if err := json.Unmarshal((<-changes).Record, &m); err != nil {
			t.Fatal(err)
		}
		observed = append(observed, m.Content)
	}
	for i := 1; i < len(observed); i++ {
		if !strings.HasPrefix(observed[i], observed[i-1]) {
			t.Errorf("content shrank: %q then %q", observed[i-1], observed[i])
		}
	}
	if want := []string{"", "", "a", "ab", "ab"}; strings.Join(observed, "|") != strings.Join(want, "|") {
		t.Errorf("observed = %q, want %q", observed, want)
	}

	var m Message
	raw, err := h.store.Get(context.Background(), MessagesCollection, "m1")
	if err != nil {
		t.Fatal(err)
	}
	json.Unmarshal(raw, &m)
	if m.Content != "ab" || m.Status != MessageComplete || m.ConversationID != "c1" {
		t.Errorf("message = %+v", m)
	}
	if m.Metadata["model"] != "m1" || m.Metadata["tokens"] != float64(2) {
		t.Errorf("metadata = %v", m.Metadata)
	}
}

func TestOpenStream_FailureKeepsPartial(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.dialer.scripts = []script{{frames: []stream.Frame{
		frame("content", `{"text":"par","seq":1}`),
		frame("progress", `{"progress":40}`),
	}}}

	s, err := h.coord.OpenStream(context.Background(), StreamRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	<-s.Settled()

	m := s.Message()
	if m.Status != MessageError || m.Content != "par" || m.Error == "" || m.Progress != 40 {
		t.Errorf("message = %+v, want error with partial content", m)
	}
	if !errors.Is(s.Conn().Outcome().Err, stream.ErrTransport) {
		t.Errorf("outcome = %+v, want transport error", s.Conn().Outcome())
	}
}

func TestOpenStream_ServerErrorFrame(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.dialer.scripts = []script{{frames: []stream.Frame{
		frame("content", `{"text":"x","seq":1}`),
		frame("error", `{"code":"overloaded","message":"try later"}`),
	}}}

	s, err := h.coord.OpenStream(context.Background(), StreamRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	<-s.Settled()
	if m := s.Message(); m.Status != MessageError || m.Error != "overloaded: try later" || m.Content != "x" {
		t.Errorf("message = %+v", m)
	}
}

func TestOpenStream_ReplacesConversationStream(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.dialer.scripts = []script{
		{hold: true},
		{frames: []stream.Frame{frame("end", `{"content":"second"}`)}},
	}
	ctx := context.Background()

	first, err := h.coord.OpenStream(ctx, StreamRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first stream open", func() bool { return first.Conn().State() == stream.StateOpen })
	second, err := h.coord.OpenStream(ctx, StreamRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	<-first.Settled()
	<-second.Settled()

	if m := first.Message(); m.Status != MessageIncomplete {
		t.Errorf("first status = %s, want incomplete", m.Status)
	}
	if m := second.Message(); m.Status != MessageComplete || m.Content != "second" {
		t.Errorf("second = %+v", m)
	}
}

func TestCloseStream(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.dialer.scripts = []script{{hold: true, frames: []stream.Frame{frame("content", `{"text":"hel","seq":1}`)}}}

	s, err := h.coord.OpenStream(context.Background(), StreamRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "content applied", func() bool { return s.Message().Content == "hel" })
	h.coord.CloseStream("c1")

	select {
	case <-s.Settled():
	default:
		t.Fatal("CloseStream returned before the final record was written")
	}
	if m := s.Message(); m.Status != MessageIncomplete || m.Content != "hel" {
		t.Errorf("message = %+v, want incomplete with partial content", m)
	}
	h.coord.CloseStream("c1")
}

func TestClose_RejectsNewWork(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.coord.Close()

	if _, err := h.coord.OpenStream(context.Background(), StreamRequest{ConversationID: "c1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenStream() error = %v, want ErrClosed", err)
	}
	if _, err := h.coord.Mutate(context.Background(), createSession("s1", "x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Mutate() error = %v, want ErrClosed", err)
	}
}

func TestClose_ConcurrentWithOpenStream(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.dialer.scripts = []script{{hold: true}}

	var wg sync.WaitGroup
	streams := make(chan *Stream, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.coord.OpenStream(context.Background(), StreamRequest{ConversationID: fmt.Sprintf("c%d", i)})
			if err == nil {
				streams <- s
			}
		}(i)
	}

	closed := make(chan struct{})
	go func() {
		h.coord.Close()
		close(closed)
	}()
	wg.Wait()
	close(streams)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	for s := range streams {
		select {
		case <-s.Settled():
		default:
			t.Errorf("stream %s still open after Close", s.MessageID)
		}
	}
	if _, err := h.coord.OpenStream(context.Background(), StreamRequest{ConversationID: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenStream() after Close error = %v, want ErrClosed", err)
	}
}

// --- Cache ---

func TestEvictMessages(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	msgs := []Message{
		{ID: "old", ConversationID: "c1", Status: MessageComplete, SyncStatus: SyncSynced, Timestamp: base.Add(-2 * time.Hour).UnixMilli()},
		{ID: "old-streaming", ConversationID: "c1", Status: MessageStreaming, SyncStatus: SyncSynced, Timestamp: base.Add(-2 * time.Hour).UnixMilli()},
		{ID: "old-pending", ConversationID: "c1", Status: MessageComplete, SyncStatus: SyncPending, Timestamp: base.Add(-2 * time.Hour).UnixMilli()},
		{ID: "new", ConversationID: "c1", Status: MessageComplete, SyncStatus: SyncSynced, Timestamp: base.UnixMilli()},
	}
	for _, m := range msgs {
		if err := h.store.Put(ctx, MessagesCollection, m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := h.coord.EvictMessages(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("EvictMessages() error = %v", err)
	}
	if n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if _, err := h.store.Get(ctx, MessagesCollection, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old message still cached: %v", err)
	}

	left, err := h.coord.ConversationMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range left {
		ids = append(ids, m.ID)
	}
	if got := strings.Join(ids, ","); got != "old-pending,old-streaming,new" {
		t.Errorf("remaining = %s, want oldest first", got)
	}
}
