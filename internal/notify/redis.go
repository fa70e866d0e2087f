package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ernie/imuhub/internal/domain"
)

// ConnectRedis parses url and verifies the server answers
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

type mirrored struct {
	payload  []byte
	lastSeen float64
}

// RedisMirror stores the latest payload of every uid in the hash
// <prefix>:latest and their last activity in the sorted set <prefix>:seen.
// Updates for the same uid coalesce while a write is in flight.
type RedisMirror struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]mirrored

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewRedisMirror starts the background writer
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "imuhub"
	}
	m := &RedisMirror{
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
		pending: make(map[string]mirrored),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.loop()
	return m
}

// LatestKey is the hash holding payloads by uid
func (m *RedisMirror) LatestKey() string { return m.prefix + ":latest" }

// SeenKey is the sorted set of uids scored by last activity
func (m *RedisMirror) SeenKey() string { return m.prefix + ":seen" }

// ObserveEvent queues rec's payload
func (m *RedisMirror) ObserveEvent(rec domain.EventRecord) {
	m.mu.Lock()
	m.pending[rec.UID] = mirrored{payload: rec.Payload, lastSeen: domain.Epoch(rec.At)}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *RedisMirror) take() map[string]mirrored {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	batch := m.pending
	m.pending = make(map[string]mirrored)
	return batch
}

func (m *RedisMirror) loop() {
	defer close(m.stopped)
	for {
		select {
		case <-m.wake:
			m.flush()
		case <-m.done:
			m.flush()
			return
		}
	}
}

func (m *RedisMirror) flush() {
	batch := m.take()
	if batch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	pipe := m.client.Pipeline()
	for uid, v := range batch {
		pipe.HSet(ctx, m.LatestKey(), uid, v.payload)
		pipe.ZAdd(ctx, m.SeenKey(), redis.Z{Score: v.lastSeen, Member: uid})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Error mirroring %d payloads to redis: %v", len(batch), err)
	}
}

// Close writes anything pending and stops the writer. The client is left
// open for its owner to close.
func (m *RedisMirror) Close() error {
	m.once.Do(func() { close(m.done) })
	<-m.stopped
	return nil
}
