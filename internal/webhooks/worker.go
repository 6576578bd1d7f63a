package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ecoroute/internal/metrics"
)

// Delivery is one queued POST of an event to one endpoint.
type Delivery struct {
	ID        string
	URL       string
	EventType string
	Payload   []byte
	Attempts  int
	NextAt    time.Time
}

// Worker delivers queued events. The queue lives in memory and is bounded;
// when full the oldest delivery is dropped.
type Worker struct {
	HTTP        *http.Client
	Secret      string
	MaxAttempts int
	MaxQueue    int
	Interval    time.Duration
	Log         logrus.FieldLogger

	mu      sync.Mutex
	pending []Delivery
	now     func() time.Time
}

func NewWorker(secret string, maxAttempts int, timeout time.Duration, log logrus.FieldLogger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Worker{
		HTTP:        &http.Client{Timeout: timeout},
		Secret:      secret,
		MaxAttempts: maxAttempts,
		MaxQueue:    1000,
		Interval:    time.Second,
		Log:         log,
		now:         time.Now,
	}
}

// Enqueue schedules d for immediate delivery.
func (w *Worker) Enqueue(d Delivery) {
	d.NextAt = w.now()
	w.push(d)
}

// push queues d, dropping the oldest delivery when the queue is full.
func (w *Worker) push(d Delivery) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.MaxQueue > 0 && len(w.pending) >= w.MaxQueue {
		dropped := w.pending[0]
		w.pending = w.pending[1:]
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		w.Log.WithFields(logrus.Fields{"delivery": dropped.ID, "url": dropped.URL}).Warn("webhook queue full, dropping oldest")
	}
	w.pending = append(w.pending, d)
}

// Pending reports queued deliveries.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run delivers until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) due() []Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var out []Delivery
	kept := w.pending[:0]
	for _, d := range w.pending {
		if !d.NextAt.After(now) && len(out) < 50 {
			out = append(out, d)
		} else {
			kept = append(kept, d)
		}
	}
	w.pending = kept
	return out
}

func (w *Worker) processOnce(ctx context.Context) {
	for _, d := range w.due() {
		code, err := w.send(ctx, d)
		if err == nil && code >= 200 && code < 300 {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			continue
		}
		d.Attempts++
		entry := w.Log.WithFields(logrus.Fields{"delivery": d.ID, "url": d.URL, "attempts": d.Attempts, "code": code})
		if err != nil {
			entry = entry.WithError(err)
		}
		if d.Attempts >= w.MaxAttempts {
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			entry.Error("webhook delivery failed")
			continue
		}
		metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
		entry.Warn("webhook delivery will retry")
		d.NextAt = w.now().Add(nextBackoff(d.Attempts - 1))
		w.push(d)
	}
}

func (w *Worker) send(ctx context.Context, d Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, d.EventType)
	req.Header.Set(DeliveryHeader, d.ID)
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(w.Secret, d.Payload))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
