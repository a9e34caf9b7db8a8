package webhooks

import (
	"context"
	"time"

	"github.com/JosueRhea/sockudo/internal/core/apps"
	"github.com/JosueRhea/sockudo/internal/core/observability/log"
)

// Dispatcher is the pipeline head: it fans one event out to every
// webhook binding of the app that wants it, through the queue, into the
// batcher, out the sender.
type Dispatcher struct {
	queue   Queue
	batcher *Batcher
	sender  *Sender
	lg      log.Log

	// consumeCancel stops taking new jobs; sendCancel aborts in-flight
	// deliveries after the final flush.
	consumeCtx    context.Context
	consumeCancel context.CancelFunc
	sendCancel    context.CancelFunc
	done          chan struct{}
}

func NewDispatcher(queue Queue, sender *Sender, batchDuration time.Duration, batchSize int, lg log.Log) *Dispatcher {
	consumeCtx, consumeCancel := context.WithCancel(context.Background())
	sendCtx, sendCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:         queue,
		sender:        sender,
		lg:            lg,
		consumeCtx:    consumeCtx,
		consumeCancel: consumeCancel,
		sendCancel:    sendCancel,
		done:          make(chan struct{}),
	}
	d.batcher = NewBatcher(sendCtx, batchDuration, batchSize, sender.Send)
	return d
}

// Start launches the queue consumer.
func (d *Dispatcher) Start() {
	go func() {
		defer close(d.done)
		d.queue.Consume(d.consumeCtx, d.batcher.Add)
	}()
}

// Dispatch enqueues event for every binding of app subscribed to its
// name. Never blocks the caller on delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, app *apps.Application, event Event) {
	for _, wh := range app.WebhooksFor(event.Name) {
		job := &Job{
			AppID:     app.ID,
			AppKey:    app.Key,
			AppSecret: app.Secret,
			URL:       wh.URL,
			Event:     event,
		}
		if err := d.queue.Push(ctx, job); err != nil {
			d.lg.Warn("webhook enqueue failed",
				log.String("app", app.ID), log.String("event", event.Name), log.Error(err))
		}
	}
}

// Stop stops consuming, flushes pending batches, waits for in-flight
// deliveries, then releases the send context.
func (d *Dispatcher) Stop() {
	d.consumeCancel()
	<-d.done
	d.batcher.FlushAll()
	d.sendCancel()
	_ = d.queue.Close()
}
