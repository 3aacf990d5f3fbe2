package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"context"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/queue"
)

// fakeBroker serves just enough of the queued broker protocol for Worker.Run
// to poll one task, dispatch it, and ack it.
type fakeBroker struct {
	mu      sync.Mutex
	pending []domain.IngestionTask
	nextID  int64
	acked   []int64
	updated []int64
	pushed  []domain.IngestionTask
}

func (b *fakeBroker) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && hasSuffix(r.URL.Path, "/messages/poll"):
			b.mu.Lock()
			defer b.mu.Unlock()
			if len(b.pending) == 0 {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			task := b.pending[0]
			b.pending = b.pending[1:]
			b.nextID++
			contents, _ := json.Marshal(domain.Envelope{Priority: int(task.Priority), Task: task})
			resp, _ := msgpack.Marshal(struct {
				Messages []struct {
					ID       int64  `msgpack:"id"`
					Contents []byte `msgpack:"contents"`
					PollTag  int64  `msgpack:"poll_tag"`
				} `msgpack:"messages"`
			}{Messages: []struct {
				ID       int64  `msgpack:"id"`
				Contents []byte `msgpack:"contents"`
				PollTag  int64  `msgpack:"poll_tag"`
			}{{ID: b.nextID, Contents: contents, PollTag: 1}}})
			w.WriteHeader(http.StatusOK)
			w.Write(resp)
		case r.Method == http.MethodPost && hasSuffix(r.URL.Path, "/messages/delete"):
			b.mu.Lock()
			b.acked = append(b.acked, 1)
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && hasSuffix(r.URL.Path, "/messages/update"):
			b.mu.Lock()
			b.updated = append(b.updated, 1)
			b.mu.Unlock()
			resp, _ := msgpack.Marshal(struct {
				NewPollTag int64 `msgpack:"new_poll_tag"`
			}{NewPollTag: 2})
			w.WriteHeader(http.StatusOK)
			w.Write(resp)
		case r.Method == http.MethodPost && hasSuffix(r.URL.Path, "/messages/push"):
			var req struct {
				Messages []struct {
					Contents []byte `msgpack:"contents"`
				} `msgpack:"messages"`
			}
			msgpack.NewDecoder(r.Body).Decode(&req)
			b.mu.Lock()
			ids := make([]int64, 0, len(req.Messages))
			for _, m := range req.Messages {
				var env domain.Envelope
				json.Unmarshal(m.Contents, &env)
				b.pushed = append(b.pushed, env.Task)
				b.nextID++
				ids = append(ids, b.nextID)
			}
			b.mu.Unlock()
			resp, _ := msgpack.Marshal(struct {
				IDs []int64 `msgpack:"ids"`
			}{IDs: ids})
			w.WriteHeader(http.StatusOK)
			w.Write(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func TestWorkerRunCompletesATask(t *testing.T) {
	broker := &fakeBroker{pending: []domain.IngestionTask{{
		ID:      "t1",
		Kind:    domain.TaskKindEntity,
		Tenant:  "acme",
		Payload: map[string]any{"id": "e1", "name": "Bob"},
	}}}
	srv := httptest.NewServer(broker.handler())
	defer srv.Close()

	q := queue.New(srv.URL, time.Second)
	core := &fakeCore{}
	m := NewMetrics(nil)
	w := New(Config{ID: "w0", PollInterval: 10 * time.Millisecond}, q, nil, core, nil, nil, nil, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if m.Snapshot().Completed > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := m.Snapshot().Completed; got != 1 {
		t.Fatalf("expected 1 completed task, got %d", got)
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.acked) != 1 {
		t.Fatalf("expected task to be acked, got %d acks", len(broker.acked))
	}
}

func TestWorkerRunSendsPermanentFailureToDLQ(t *testing.T) {
	broker := &fakeBroker{pending: []domain.IngestionTask{{
		ID:         "t1",
		Kind:       domain.TaskKind("unknown"),
		Tenant:     "acme",
		MaxRetries: 3,
		Payload:    map[string]any{},
	}}}
	srv := httptest.NewServer(broker.handler())
	defer srv.Close()

	q := queue.New(srv.URL, time.Second)
	core := &fakeCore{}
	m := NewMetrics(nil)
	w := New(Config{ID: "w0", PollInterval: 10 * time.Millisecond}, q, nil, core, nil, nil, nil, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if m.Snapshot().Failed > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := m.Snapshot().Failed; got != 1 {
		t.Fatalf("expected 1 failed task, got %d", got)
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.pushed) != 1 {
		t.Fatalf("expected task pushed to dlq, got %d", len(broker.pushed))
	}
	if broker.pushed[0].Metadata["error_type"] != "PermanentError" {
		t.Fatalf("expected PermanentError metadata, got %v", broker.pushed[0].Metadata)
	}
}

func TestWorkerRunExtendsOnTransientFailure(t *testing.T) {
	broker := &fakeBroker{pending: []domain.IngestionTask{{
		ID:         "t1",
		Kind:       domain.TaskKindEntity,
		Tenant:     "acme",
		MaxRetries: 3,
		Payload:    map[string]any{"id": "e1"},
	}}}
	srv := httptest.NewServer(broker.handler())
	defer srv.Close()

	q := queue.New(srv.URL, time.Second)
	core := &fakeCore{saveErr: &testErr{}}
	// saveErr's message "boom" is not classified as duplicate/rate-limit/
	// connection, so it passes through as-is: neither Permanent nor
	// Transient, so handleFailure retries while RetryCount < MaxRetries.
	m := NewMetrics(nil)
	w := New(Config{ID: "w0", PollInterval: 10 * time.Millisecond}, q, nil, core, nil, nil, nil, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if m.Snapshot().Retried > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := m.Snapshot().Retried; got != 1 {
		t.Fatalf("expected 1 retry, got %d", got)
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.updated) != 1 {
		t.Fatalf("expected visibility to be extended once, got %d", len(broker.updated))
	}
}

func TestCapBackoff(t *testing.T) {
	if got := capBackoff(10); got != 10*time.Second {
		t.Fatalf("expected 10s, got %v", got)
	}
	if got := capBackoff(10000); got != maxBackoff {
		t.Fatalf("expected capped at %v, got %v", maxBackoff, got)
	}
	if got := capBackoff(-5); got != 0 {
		t.Fatalf("expected negative backoff clamped to 0, got %v", got)
	}
}

func TestErrorType(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&domain.PermanentError{Op: "x", Err: errTest}, "PermanentError"},
		{&domain.TransientError{Op: "x", Err: errTest}, "TransientError"},
		{&domain.RateLimitedError{Scope: "acme"}, "RateLimitedError"},
		{&domain.ValidationFailure{Field: "f", Reason: "r"}, "ValidationFailure"},
		{&domain.MergeError{Canonical: "a", Duplicate: "b", Reason: "r"}, "MergeError"},
		{errTest, "Error"},
	}
	for _, c := range cases {
		if got := errorType(c.err); got != c.want {
			t.Errorf("errorType(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

var errTest = &testErr{}

type testErr struct{}

func (e *testErr) Error() string { return "boom" }
