// Package queue hands resources over to the full-retrieval workers through a
// Redis list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const pushChunkSize = 500

// Job is one list entry consumed by the downloader.
type Job struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Reason   string    `json:"reason,omitempty"`
	QueuedAt time.Time `json:"queued_at"`
}

type listPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

type RetrievalQueue struct {
	client listPusher
	key    string
	now    func() time.Time
}

func New(client *redis.Client, key string) *RetrievalQueue {
	return newQueue(client, key)
}

func newQueue(client listPusher, key string) *RetrievalQueue {
	return &RetrievalQueue{client: client, key: key, now: time.Now}
}

// Push appends jobs to the list in order and returns the list length reported by
// the last write.
func (q *RetrievalQueue) Push(ctx context.Context, jobs []Job) (int64, error) {
	var length int64
	queuedAt := q.now().UTC()
	for start := 0; start < len(jobs); start += pushChunkSize {
		end := min(start+pushChunkSize, len(jobs))
		values := make([]interface{}, 0, end-start)
		for _, job := range jobs[start:end] {
			if job.QueuedAt.IsZero() {
				job.QueuedAt = queuedAt
			}
			payload, err := json.Marshal(job)
			if err != nil {
				return length, fmt.Errorf("failed to encode retrieval job %q: %w", job.ID, err)
			}
			values = append(values, payload)
		}

		n, err := q.client.RPush(ctx, q.key, values...).Result()
		if err != nil {
			return length, fmt.Errorf("failed to push retrieval jobs to %s: %w", q.key, err)
		}
		length = n
	}
	if len(jobs) > 0 {
		slog.Info("Queued resources for full retrieval", "key", q.key, "count", len(jobs), "queue_length", length)
	}
	return length, nil
}
