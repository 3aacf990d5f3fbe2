// Package queue implements a client for the durable, prioritized
// ingestion task queue (the "queued" broker protocol), grounded on the
// source's queue_client.py.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/pkg/metrics"
)

// DefaultQueueName is the queue used when a caller does not specify one.
const DefaultQueueName = "ingestion"

// DefaultVisibilityTimeout matches the source's 5-minute default.
const DefaultVisibilityTimeout = 300 * time.Second

// Client talks to the queued broker over HTTP with msgpack-encoded
// request/response bodies.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	ready map[string]bool

	pushed  *metrics.Counter
	polled  *metrics.Counter
	acked   *metrics.Counter
	pollDur *metrics.Histogram
}

// New creates a queue Client. timeout bounds every HTTP call.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		ready:   make(map[string]bool),
	}
}

// WithMetrics registers push/poll/ack counters and a poll-latency
// histogram on reg, returning c for chaining. A Client with no metrics
// registered works exactly as before.
func (c *Client) WithMetrics(reg *metrics.Registry) *Client {
	c.pushed = reg.Counter("queue_pushed_total", "tasks pushed onto the queue")
	c.polled = reg.Counter("queue_polled_total", "tasks retrieved by a poll")
	c.acked = reg.Counter("queue_acked_total", "tasks acknowledged as complete")
	c.pollDur = reg.Histogram("queue_poll_duration_seconds", "broker round-trip latency for a poll call", nil)
	return c
}

// polledMessage is the raw broker representation of a polled entry.
type polledMessage struct {
	ID       int64  `msgpack:"id"`
	Contents []byte `msgpack:"contents"`
	PollTag  int64  `msgpack:"poll_tag"`
}

// Polled is a task handed back by Poll, along with the identifiers needed
// to Ack or Extend it.
type Polled struct {
	MessageID int64
	PollTag   int64
	Task      domain.IngestionTask
}

// EnsureQueue creates queueName if it does not already exist. Idempotent
// and cached per-process; the broker itself treats a create-on-existing
// as a 409, which this also treats as success.
func (c *Client) EnsureQueue(ctx context.Context, queueName string) error {
	c.mu.Lock()
	if c.ready[queueName] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	body, err := msgpack.Marshal(map[string]any{})
	if err != nil {
		return fmt.Errorf("queue: encode ensure-queue body: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, "/queue/"+queueName, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return &domain.TransientError{Op: "ensure_queue", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	c.mu.Lock()
	c.ready[queueName] = true
	c.mu.Unlock()
	return nil
}

type pushRequest struct {
	Messages []pushMessage `msgpack:"messages"`
}

type pushMessage struct {
	Contents               []byte `msgpack:"contents"`
	VisibilityTimeoutSecs  int    `msgpack:"visibility_timeout_secs"`
}

type pushResponse struct {
	IDs []int64 `msgpack:"ids"`
}

// Push enqueues tasks onto queueName (default "ingestion") and returns
// the broker-assigned message ids in the same order as tasks.
func (c *Client) Push(ctx context.Context, queueName string, tasks []domain.IngestionTask) ([]int64, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if err := c.EnsureQueue(ctx, queueName); err != nil {
		return nil, err
	}

	messages := make([]pushMessage, 0, len(tasks))
	for _, task := range tasks {
		vis := task.VisibilityTimeoutSecs
		if vis <= 0 {
			vis = int(DefaultVisibilityTimeout.Seconds())
		}
		contents, err := json.Marshal(domain.Envelope{Priority: int(task.Priority), Task: task})
		if err != nil {
			return nil, fmt.Errorf("queue: encode envelope: %w", err)
		}
		messages = append(messages, pushMessage{
			Contents:              contents,
			VisibilityTimeoutSecs: vis,
		})
	}

	body, err := msgpack.Marshal(pushRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("queue: encode push request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/queue/"+queueName+"/messages/push", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.TransientError{Op: "push", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out pushResponse
	if err := msgpack.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("queue: decode push response: %w", err)
	}
	if c.pushed != nil {
		c.pushed.Add(int64(len(out.IDs)))
	}
	return out.IDs, nil
}

type pollRequest struct {
	Count                 int `msgpack:"count"`
	VisibilityTimeoutSecs int `msgpack:"visibility_timeout_secs"`
}

type pollResponse struct {
	Messages []polledMessage `msgpack:"messages"`
}

// Poll retrieves up to count tasks from queueName, sorted by descending
// priority (the broker itself has no notion of priority; sorting happens
// client-side after unwrapping the envelope).
func (c *Client) Poll(ctx context.Context, queueName string, count int, visibilityTimeout time.Duration) ([]Polled, error) {
	ctx, span := otel.Tracer("engine/queue").Start(ctx, "queue.Poll")
	defer span.End()
	start := time.Now()

	out, err := c.poll(ctx, queueName, count, visibilityTimeout)
	if c.pollDur != nil {
		c.pollDur.Since(start)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if c.polled != nil {
		c.polled.Add(int64(len(out)))
	}
	return out, nil
}

func (c *Client) poll(ctx context.Context, queueName string, count int, visibilityTimeout time.Duration) ([]Polled, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	if err := c.EnsureQueue(ctx, queueName); err != nil {
		return nil, err
	}

	body, err := msgpack.Marshal(pollRequest{
		Count:                 count,
		VisibilityTimeoutSecs: int(visibilityTimeout.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: encode poll request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/queue/"+queueName+"/messages/poll", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.TransientError{Op: "poll", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var raw pollResponse
	if err := msgpack.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("queue: decode poll response: %w", err)
	}

	out := make([]Polled, 0, len(raw.Messages))
	for _, msg := range raw.Messages {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Contents, &env); err != nil {
			// A single malformed message must not fail the whole poll.
			continue
		}
		out = append(out, Polled{MessageID: msg.ID, PollTag: msg.PollTag, Task: env.Task})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Task.Priority > out[j].Task.Priority
	})
	return out, nil
}

type deleteRequest struct {
	Messages []deleteEntry `msgpack:"messages"`
}

type deleteEntry struct {
	ID      int64 `msgpack:"id"`
	PollTag int64 `msgpack:"poll_tag"`
}

// Ack deletes messageID from queueName, acknowledging successful
// processing. Returns domain.ErrStaleTag if the poll tag is no longer
// valid — the message has already been reclaimed by another consumer.
func (c *Client) Ack(ctx context.Context, queueName string, messageID, pollTag int64) error {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	body, err := msgpack.Marshal(deleteRequest{Messages: []deleteEntry{{ID: messageID, PollTag: pollTag}}})
	if err != nil {
		return fmt.Errorf("queue: encode delete request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/queue/"+queueName+"/messages/delete", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if c.acked != nil {
			c.acked.Inc()
		}
		return nil
	case http.StatusConflict, http.StatusNotFound:
		return domain.ErrStaleTag
	default:
		return &domain.TransientError{Op: "ack", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}

type updateRequest struct {
	ID                    int64 `msgpack:"id"`
	PollTag               int64 `msgpack:"poll_tag"`
	VisibilityTimeoutSecs int   `msgpack:"visibility_timeout_secs"`
}

type updateResponse struct {
	NewPollTag int64 `msgpack:"new_poll_tag"`
}

// Extend updates the visibility timeout of a still-in-flight message
// (used to push a retry back onto the queue with backoff) and returns
// the broker's rotated poll tag.
func (c *Client) Extend(ctx context.Context, queueName string, messageID, pollTag int64, visibilityTimeout time.Duration) (int64, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	body, err := msgpack.Marshal(updateRequest{
		ID:                    messageID,
		PollTag:               pollTag,
		VisibilityTimeoutSecs: int(visibilityTimeout.Seconds()),
	})
	if err != nil {
		return 0, fmt.Errorf("queue: encode update request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/queue/"+queueName+"/messages/update", body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusNotFound {
		return 0, domain.ErrStaleTag
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &domain.TransientError{Op: "extend", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out updateResponse
	if err := msgpack.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("queue: decode update response: %w", err)
	}
	return out.NewPollTag, nil
}

// Stats fetches broker-reported queue metrics from GET /metrics.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, "/metrics", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := msgpack.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("queue: decode stats response: %w", err)
	}
	return out, nil
}

type listQueuesResponse struct {
	Queues []struct {
		Name string `msgpack:"name"`
	} `msgpack:"queues"`
}

// ListQueues returns the names of all queues known to the broker.
func (c *Client) ListQueues(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/queues", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var out listQueuesResponse
	if err := msgpack.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("queue: decode list-queues response: %w", err)
	}
	names := make([]string, len(out.Queues))
	for i, q := range out.Queues {
		names[i] = q.Name
	}
	return names, nil
}

// DLQName derives the dead-letter queue name paired with queueName.
func DLQName(queueName string) string {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	return queueName + ".dlq"
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("queue: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/msgpack")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Op: method + " " + path, Err: err}
	}
	return resp, nil
}
