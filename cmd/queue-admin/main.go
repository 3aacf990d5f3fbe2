// Command queue-admin inspects and manages the ingestion task queue and
// its dead-letter queue: stats, peeking failed tasks, requeuing them for
// another attempt, and purging ones that are never coming back,
// grounded on cmd/backfill/main.go's one-shot-CLI-over-the-graph shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kgraph/ingestor/engine/domain"
	"github.com/kgraph/ingestor/engine/queue"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	var (
		queueURL  = flag.String("queue-url", envOr("QUEUE_URL", "http://localhost:8910"), "queue broker base URL")
		queueName = flag.String("queue", envOr("QUEUE_NAME", queue.DefaultQueueName), "queue name")
		count     = flag.Int("count", 10, "max messages to operate on")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: queue-admin [flags] <command>\n\ncommands:\n")
		fmt.Fprintf(os.Stderr, "  stats        print broker-reported queue metrics\n")
		fmt.Fprintf(os.Stderr, "  queues       list known queues\n")
		fmt.Fprintf(os.Stderr, "  peek-dlq     print up to -count dead-lettered tasks without removing them\n")
		fmt.Fprintf(os.Stderr, "  requeue-dlq  move up to -count dead-lettered tasks back onto the live queue\n")
		fmt.Fprintf(os.Stderr, "  purge-dlq    permanently discard up to -count dead-lettered tasks\n")
		fmt.Fprintf(os.Stderr, "\nflags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	qc := queue.New(*queueURL, 30*time.Second)
	dlq := queue.DLQName(*queueName)

	var err error
	switch flag.Arg(0) {
	case "stats":
		err = runStats(ctx, qc)
	case "queues":
		err = runListQueues(ctx, qc)
	case "peek-dlq":
		err = runPeekDLQ(ctx, qc, dlq, *count)
	case "requeue-dlq":
		err = runRequeueDLQ(ctx, qc, *queueName, dlq, *count)
	case "purge-dlq":
		err = runPurgeDLQ(ctx, qc, dlq, *count)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func runStats(ctx context.Context, qc *queue.Client) error {
	stats, err := qc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}
	for k, v := range stats {
		fmt.Printf("%s: %v\n", k, v)
	}
	return nil
}

func runListQueues(ctx context.Context, qc *queue.Client) error {
	names, err := qc.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runPeekDLQ(ctx context.Context, qc *queue.Client, dlqName string, count int) error {
	polled, err := qc.Poll(ctx, dlqName, count, 30*time.Second)
	if err != nil {
		return fmt.Errorf("poll %s: %w", dlqName, err)
	}
	for _, p := range polled {
		printTask(p.Task)
	}
	fmt.Printf("%d dead-lettered task(s)\n", len(polled))
	return nil
}

// runRequeueDLQ polls count entries off the dead-letter queue, pushes a
// fresh copy (retry count reset) onto the live queue, and acks the
// dead-lettered original. A failure between push and ack leaves the
// entry visible on the DLQ again once its visibility timeout elapses,
// rather than silently dropping it.
func runRequeueDLQ(ctx context.Context, qc *queue.Client, queueName, dlqName string, count int) error {
	polled, err := qc.Poll(ctx, dlqName, count, 60*time.Second)
	if err != nil {
		return fmt.Errorf("poll %s: %w", dlqName, err)
	}
	if err := qc.EnsureQueue(ctx, queueName); err != nil {
		return fmt.Errorf("ensure %s: %w", queueName, err)
	}

	requeued := 0
	for _, p := range polled {
		task := p.Task
		task.RetryCount = 0
		delete(task.Metadata, "error_type")
		delete(task.Metadata, "error_message")
		delete(task.Metadata, "failed_at")
		delete(task.Metadata, "worker_id")

		if _, err := qc.Push(ctx, queueName, []domain.IngestionTask{task}); err != nil {
			slog.Error("requeue push failed, leaving on dlq", "task", task.ID, "error", err)
			continue
		}
		if err := qc.Ack(ctx, dlqName, p.MessageID, p.PollTag); err != nil {
			slog.Warn("dlq ack after requeue failed", "task", task.ID, "error", err)
			continue
		}
		requeued++
	}
	fmt.Printf("requeued %d of %d dead-lettered task(s)\n", requeued, len(polled))
	return nil
}

func runPurgeDLQ(ctx context.Context, qc *queue.Client, dlqName string, count int) error {
	polled, err := qc.Poll(ctx, dlqName, count, 30*time.Second)
	if err != nil {
		return fmt.Errorf("poll %s: %w", dlqName, err)
	}
	purged := 0
	for _, p := range polled {
		if err := qc.Ack(ctx, dlqName, p.MessageID, p.PollTag); err != nil {
			slog.Warn("purge ack failed", "task", p.Task.ID, "error", err)
			continue
		}
		purged++
	}
	fmt.Printf("purged %d of %d dead-lettered task(s)\n", purged, len(polled))
	return nil
}

func printTask(t domain.IngestionTask) {
	errType, _ := t.Metadata["error_type"].(string)
	errMsg, _ := t.Metadata["error_message"].(string)
	fmt.Printf("- %s kind=%s tenant=%s retries=%d error=%s: %s\n", t.ID, t.Kind, t.Tenant, t.RetryCount, errType, errMsg)
}
