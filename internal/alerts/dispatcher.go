// Package alerts posts signed compliance alerts to webhook endpoints.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultDelays are the waits before each retry.
var DefaultDelays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// Config holds alert delivery settings.
type Config struct {
	URLs   []string
	Secret string
	// Delays between attempts; nil means DefaultDelays. The number of
	// attempts is len(Delays)+1.
	Delays  []time.Duration
	Timeout time.Duration
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(eventType string, success bool)

// Dispatcher fans alerts out to the configured endpoints.
type Dispatcher struct {
	urls       []string
	secret     string
	delays     []time.Duration
	httpClient *http.Client
	onMetrics  MetricsRecorder
	onDelivery func(Delivery)
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. With no URLs every Dispatch is a no-op.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Delays == nil {
		cfg.Delays = DefaultDelays
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		urls:       cfg.URLs,
		secret:     cfg.Secret,
		delays:     cfg.Delays,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// OnDelivery registers a callback invoked after every attempt.
func (d *Dispatcher) OnDelivery(fn func(Delivery)) {
	d.onDelivery = fn
}

// Dispatch sends an event to every endpoint in the background. Delivery
// outlives ctx; Close cancels it.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if len(d.urls) == 0 || ctx.Err() != nil {
		return
	}
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("alerts: marshal event", zap.Error(err))
		return
	}
	signature := Sign(body, d.secret)

	for _, url := range d.urls {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			d.deliver(url, event, body, signature)
		}(url)
	}
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close abandons pending retries and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(url string, event Event, body []byte, signature string) {
	for attempt := 1; attempt <= len(d.delays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.delays[attempt-2]):
			case <-d.ctx.Done():
				return
			}
		}

		status, err := d.post(url, body, signature)
		del := Delivery{
			EventID:    event.ID,
			EventType:  event.Type,
			URL:        url,
			StatusCode: status,
			Attempt:    attempt,
			Success:    err == nil,
		}
		if err != nil {
			del.Error = err.Error()
		}
		if d.onDelivery != nil {
			d.onDelivery(del)
		}
		if d.onMetrics != nil {
			d.onMetrics(event.Type, del.Success)
		}
		if del.Success {
			return
		}

		d.logger.Warn("alerts: delivery failed",
			zap.String("url", url),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", del.Error),
		)
	}
	d.logger.Error("alerts: delivery abandoned",
		zap.String("url", url),
		zap.String("event", event.Type),
		zap.Stringer("event_id", event.ID),
	)
}

func (d *Dispatcher) post(url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is a valid signature of body.
func VerifySignature(body []byte, secret, header string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}
