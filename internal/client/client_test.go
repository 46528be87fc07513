package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type capturedPublish struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	mu   sync.Mutex
	msgs []capturedPublish
	err  error
}

func (f *fakeNATS) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, capturedPublish{subject: subject, data: data})
	return nil
}

func TestNotificationPublisherSubjectAndPayload(t *testing.T) {
	t.Parallel()

	nats := &fakeNATS{}
	p := NewNotificationPublisher(nats, "carts", zerolog.Nop())
	p.PublishCartEvent(context.Background(), "cart_finalized", "lab1", "U-bob", map[string]any{"parts": 2})

	if len(nats.msgs) != 1 {
		t.Fatalf("published = %d, want 1", len(nats.msgs))
	}
	if got := nats.msgs[0].subject; got != "carts.cart_finalized" {
		t.Fatalf("subject = %q, want carts.cart_finalized", got)
	}
	var evt CartEvent
	if err := json.Unmarshal(nats.msgs[0].data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Cart != "lab1" || evt.ActorID != "U-bob" || evt.Severity != "info" || evt.OccurredAt.IsZero() {
		t.Fatalf("event = %+v", evt)
	}
}

func TestNotificationPublisherIsNonFatal(t *testing.T) {
	t.Parallel()

	p := NewNotificationPublisher(&fakeNATS{err: stderrors.New("no responders")}, "carts", zerolog.Nop())
	p.PublishCartEvent(context.Background(), "inconsistency", "lab1", "", nil)

	var nilPublisher *NotificationPublisher
	nilPublisher.PublishCartEvent(context.Background(), "approval_requested", "lab1", "U-alice", nil)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByCart(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := NewKafkaPublisher(w, "carts.", zerolog.Nop())
	p.PublishCartEvent(context.Background(), "inconsistency", "lab1", "", map[string]any{"workflow_id": "wf-1"})

	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "lab1" {
		t.Fatalf("key = %q, want lab1", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "carts.inconsistency" {
		t.Fatalf("headers = %+v", msg.Headers)
	}
	var evt CartEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Severity != "critical" {
		t.Fatalf("severity = %q, want critical", evt.Severity)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("close = %v, closed = %v", err, w.closed)
	}
}

func TestChatWebhookClientPostMessage(t *testing.T) {
	t.Parallel()

	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"m-42"}`))
	}))
	defer srv.Close()

	c := NewChatWebhookClient(srv.URL, "", "ops", srv.Client())
	id, err := c.PostMessage(context.Background(), "eecs-shopping-cart", "hello")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if id != "m-42" {
		t.Fatalf("message id = %q, want m-42", id)
	}
	if got.Channel != "eecs-shopping-cart" || got.Text != "hello" {
		t.Fatalf("request = %+v", got)
	}
}

func TestChatWebhookClientAlertOperator(t *testing.T) {
	t.Parallel()

	var got webhookMessage
	ops := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ops.Close()

	c := NewChatWebhookClient("", ops.URL, "carts-ops", ops.Client())
	if err := c.AlertOperator(context.Background(), "inconsistent"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if got.Channel != "carts-ops" || got.Text != "inconsistent" {
		t.Fatalf("alert request = %+v", got)
	}
}

func TestChatWebhookClientErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel_not_found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewChatWebhookClient(srv.URL, "", "", srv.Client())
	if _, err := c.PostMessage(context.Background(), "x", "y"); err == nil {
		t.Fatal("expected error for 404 response")
	}
	if err := NewChatWebhookClient("", "", "", nil).AlertOperator(context.Background(), "x"); err == nil {
		t.Fatal("expected error without any webhook url")
	}
}
