package alerts_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/alerts"
)

var ctx = context.Background()

type receiver struct {
	mu     sync.Mutex
	events []alerts.Event
	sigOK  []bool
	fail   atomic.Int32
	srv    *httptest.Server
}

func newReceiver(t *testing.T, secret string) *receiver {
	t.Helper()
	rc := &receiver{}
	rc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc.fail.Load() > 0 {
			rc.fail.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var ev alerts.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rc.mu.Lock()
		rc.events = append(rc.events, ev)
		rc.sigOK = append(rc.sigOK, alerts.VerifySignature(body, secret, r.Header.Get(alerts.SignatureHeader)))
		rc.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(rc.srv.Close)
	return rc
}

func (rc *receiver) received() ([]alerts.Event, []bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]alerts.Event(nil), rc.events...), append([]bool(nil), rc.sigOK...)
}

func TestDispatch_signedDelivery(t *testing.T) {
	rc := newReceiver(t, "s3cret")
	d := alerts.NewDispatcher(alerts.Config{URLs: []string{rc.srv.URL}, Secret: "s3cret"}, zap.NewNop())
	defer d.Close()

	d.Dispatch(ctx, alerts.EventHashMismatch, map[string]string{"sequence_number": "7"})
	d.Wait()

	events, sigOK := rc.received()
	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != alerts.EventHashMismatch || ev.Payload["sequence_number"] != "7" {
		t.Errorf("event: %+v", ev)
	}
	if !sigOK[0] {
		t.Error("signature did not verify")
	}
}

func TestDispatch_retries(t *testing.T) {
	rc := newReceiver(t, "k")
	rc.fail.Store(2)

	var attempts []alerts.Delivery
	var mu sync.Mutex
	d := alerts.NewDispatcher(alerts.Config{
		URLs:   []string{rc.srv.URL},
		Secret: "k",
		Delays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}, zap.NewNop())
	defer d.Close()
	d.OnDelivery(func(del alerts.Delivery) {
		mu.Lock()
		attempts = append(attempts, del)
		mu.Unlock()
	})

	d.Dispatch(ctx, alerts.EventCustodyGap, nil)
	d.Wait()

	if len(attempts) != 3 {
		t.Fatalf("attempts: got %d, want 3", len(attempts))
	}
	if attempts[0].Success || attempts[0].StatusCode != http.StatusBadGateway {
		t.Errorf("first attempt: %+v", attempts[0])
	}
	if !attempts[2].Success || attempts[2].Attempt != 3 {
		t.Errorf("last attempt: %+v", attempts[2])
	}
	if events, _ := rc.received(); len(events) != 1 {
		t.Errorf("delivered: got %d, want 1", len(events))
	}
}

func TestDispatch_givesUp(t *testing.T) {
	rc := newReceiver(t, "k")
	rc.fail.Store(100)

	var failures atomic.Int32
	d := alerts.NewDispatcher(alerts.Config{
		URLs:   []string{rc.srv.URL},
		Delays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}, zap.NewNop())
	defer d.Close()
	d.SetMetricsRecorder(func(_ string, ok bool) {
		if !ok {
			failures.Add(1)
		}
	})

	d.Dispatch(ctx, alerts.EventMissingEntry, nil)
	d.Wait()

	if got := failures.Load(); got != 4 {
		t.Errorf("failed attempts: got %d, want 4", got)
	}
}

func TestDispatch_noURLs(t *testing.T) {
	d := alerts.NewDispatcher(alerts.Config{}, zap.NewNop())
	d.Dispatch(ctx, alerts.EventHashMismatch, nil)
	d.Close()
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"custody.gap"}`)
	sig := alerts.Sign(body, "k")
	if !alerts.VerifySignature(body, "k", sig) {
		t.Error("valid signature rejected")
	}
	if alerts.VerifySignature(body, "other", sig) {
		t.Error("signature accepted under the wrong secret")
	}
	if alerts.VerifySignature([]byte(`{}`), "k", sig) {
		t.Error("signature accepted for a different body")
	}
}
