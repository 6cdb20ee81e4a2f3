// Package domain
package domain

import "time"

// StatusTransportFailure is the status code recorded for a probe that never got an
// HTTP response (timeout, refused connection, DNS failure).
const StatusTransportFailure = 0

type Resource struct {
	ID             string     `db:"id"`
	URL            string     `db:"url"`
	StoredSize     *int64     `db:"size"`
	StoredModified *time.Time `db:"last_modified"`
	StoredETag     *string    `db:"etag"`
}

type ProbeOutcome struct {
	ResourceID string
	Size       *int64
	Modified   *time.Time
	ETag       *string
	StatusCode int
}

// MetadataUpdate is the stored metadata proposed for a resource whose etag rotated.
type MetadataUpdate struct {
	ResourceID string
	Size       *int64
	Modified   *time.Time
	ETag       *string
}

// Buckets groups values under string keys, remembering the order in which keys
// were first seen.
type Buckets[T any] struct {
	keys  []string
	items map[string][]T
}

func NewBuckets[T any]() *Buckets[T] {
	return &Buckets[T]{items: make(map[string][]T)}
}

func (b *Buckets[T]) Add(key string, value T) {
	if _, exists := b.items[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.items[key] = append(b.items[key], value)
}

func (b *Buckets[T]) Keys() []string {
	return b.keys
}

func (b *Buckets[T]) Get(key string) []T {
	return b.items[key]
}

// Len is the number of buckets.
func (b *Buckets[T]) Len() int {
	return len(b.keys)
}

// Count is the number of values across all buckets.
func (b *Buckets[T]) Count() int {
	var n int
	for _, values := range b.items {
		n += len(values)
	}
	return n
}
