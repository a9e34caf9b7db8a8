package webhooks

import (
	"context"
	"sync"
	"time"
)

// Batch is the unit handed to the sender: every event accumulated for
// one (app, url) pair during one batching window.
type Batch struct {
	AppID     string
	AppKey    string
	AppSecret string
	URL       string
	Events    []Event
}

type batchKey struct {
	appID string
	url   string
}

// Batcher accumulates jobs per (app, url) and flushes each group when
// its window elapses or the event cap is reached, whichever first.
type Batcher struct {
	duration time.Duration
	cap      int
	flush    func(context.Context, *Batch)

	mu      sync.Mutex
	pending map[batchKey]*pendingBatch
	ctx     context.Context
	wg      sync.WaitGroup
}

type pendingBatch struct {
	batch *Batch
	timer *time.Timer
}

func NewBatcher(ctx context.Context, duration time.Duration, capacity int, flush func(context.Context, *Batch)) *Batcher {
	if duration <= 0 {
		duration = 50 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 50
	}
	return &Batcher{
		duration: duration,
		cap:      capacity,
		flush:    flush,
		pending:  make(map[batchKey]*pendingBatch),
		ctx:      ctx,
	}
}

// Add appends a job to its group, arming the window timer on the first
// event and flushing inline when the cap is hit.
func (b *Batcher) Add(job *Job) {
	key := batchKey{appID: job.AppID, url: job.URL}

	b.mu.Lock()
	pb, ok := b.pending[key]
	if !ok {
		pb = &pendingBatch{batch: &Batch{
			AppID:     job.AppID,
			AppKey:    job.AppKey,
			AppSecret: job.AppSecret,
			URL:       job.URL,
		}}
		pb.timer = time.AfterFunc(b.duration, func() { b.flushKey(key) })
		b.pending[key] = pb
	}
	pb.batch.Events = append(pb.batch.Events, job.Event)
	full := len(pb.batch.Events) >= b.cap
	b.mu.Unlock()

	if full {
		b.flushKey(key)
	}
}

func (b *Batcher) flushKey(key batchKey) {
	b.mu.Lock()
	pb, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	pb.timer.Stop()
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flush(b.ctx, pb.batch)
	}()
}

// FlushAll drains every pending group and waits for in-flight
// deliveries. Called on shutdown.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	keys := make([]batchKey, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.flushKey(key)
	}
	b.wg.Wait()
}
