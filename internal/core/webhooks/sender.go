package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/JosueRhea/sockudo/internal/core/auth"
	"github.com/JosueRhea/sockudo/internal/core/observability/log"
)

// Backoff schedule for failed deliveries.
const (
	backoffBase   = time.Second
	backoffFactor = 2
	backoffCap    = 30 * time.Second
)

// Sender delivers signed webhook batches. Concurrency is bounded by a
// semaphore so a slow receiver cannot pile up goroutines.
type Sender struct {
	client         *http.Client
	lg             log.Log
	attemptTimeout time.Duration
	maxAttempts    int
	sem            *semaphore.Weighted
}

type SenderConfig struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	Concurrency    int
}

func NewSender(lg log.Log, cfg SenderConfig) *Sender {
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 8
	}
	return &Sender{
		client:         &http.Client{Timeout: cfg.AttemptTimeout},
		lg:             lg,
		attemptTimeout: cfg.AttemptTimeout,
		maxAttempts:    cfg.MaxAttempts,
		sem:            semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Send delivers one batch, retrying with exponential backoff. Delivery
// is at-least-once; a batch that exhausts its attempts is dropped with
// a logged error and never surfaces to the client that caused it.
func (s *Sender) Send(ctx context.Context, batch *Batch) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	body, err := json.Marshal(Payload{TimeMs: time.Now().UnixMilli(), Events: batch.Events})
	if err != nil {
		s.lg.Error("encode webhook batch", log.String("app", batch.AppID), log.Error(err))
		return
	}
	signature := auth.SignPayload(batch.AppSecret, body)

	backoff := backoffBase
	var lastStatus int
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		lastStatus, lastErr = s.attempt(ctx, batch, body, signature)
		if lastErr == nil {
			return
		}
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= backoffFactor
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}

	s.lg.Error("webhook delivery failed, dropping batch",
		log.String("app", batch.AppID),
		log.String("url", batch.URL),
		log.Int("events", len(batch.Events)),
		log.Int("attempts", s.maxAttempts),
		log.Int("last_status", lastStatus),
		log.Error(lastErr))
}

func (s *Sender) attempt(ctx context.Context, batch *Batch, body []byte, signature string) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, batch.URL, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pusher-Key", batch.AppKey)
	req.Header.Set("X-Pusher-Signature", signature)

	res, err := s.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "post webhook")
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return res.StatusCode, errors.Errorf("webhook receiver returned %d", res.StatusCode)
	}
	return res.StatusCode, nil
}
