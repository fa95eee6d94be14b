package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func sampleReset() PasswordReset {
	return PasswordReset{
		Email:       "seeker@example.com",
		DisplayName: "Ananda",
		ResetURL:    ResetURL("https://sangha.example.com/", "abc123"),
		ExpiresAt:   time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC),
	}
}

func TestResetURL(t *testing.T) {
	got := ResetURL("https://sangha.example.com/", "abc123")
	want := "https://sangha.example.com/reset-password/abc123"
	if got != want {
		t.Errorf("ResetURL = %q, want %q", got, want)
	}
}

func TestLogNotifier_DoesNotLogResetURLAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	n := NewLogNotifier(logger)

	if err := n.SendPasswordReset(context.Background(), sampleReset()); err != nil {
		t.Fatalf("SendPasswordReset failed: %v", err)
	}
	if strings.Contains(buf.String(), "abc123") {
		t.Error("reset token leaked into info-level log")
	}
	if !strings.Contains(buf.String(), "seeker@example.com") {
		t.Error("expected recipient in log")
	}
}

func TestLogNotifier_RequiresEmail(t *testing.T) {
	n := NewLogNotifier(nil)
	if err := n.SendPasswordReset(context.Background(), PasswordReset{}); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestMailtrapNotifier_SendsTemplateRequest(t *testing.T) {
	var got mailtrapRequest
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n := NewMailtrapNotifier(MailtrapConfig{
		APIKey:       "key-1",
		APIURL:       ts.URL,
		FromEmail:    "noreply@sangha.example.com",
		FromName:     "Sangha",
		TemplateUUID: "tmpl-1",
	}, ts.Client(), slog.New(slog.NewJSONHandler(io.Discard, nil)))

	if err := n.SendPasswordReset(context.Background(), sampleReset()); err != nil {
		t.Fatalf("SendPasswordReset failed: %v", err)
	}
	if authHeader != "Bearer key-1" {
		t.Errorf("Authorization = %q", authHeader)
	}
	if len(got.To) != 1 || got.To[0].Email != "seeker@example.com" {
		t.Errorf("To = %+v", got.To)
	}
	if got.TemplateUUID != "tmpl-1" {
		t.Errorf("TemplateUUID = %q", got.TemplateUUID)
	}
	if got.TemplateVariables["pass_reset_link"] != "https://sangha.example.com/reset-password/abc123" {
		t.Errorf("pass_reset_link = %q", got.TemplateVariables["pass_reset_link"])
	}
}

func TestMailtrapNotifier_TextFallback(t *testing.T) {
	var got mailtrapRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n := NewMailtrapNotifier(MailtrapConfig{APIURL: ts.URL, FromEmail: "noreply@example.com"}, ts.Client(), nil)
	if err := n.SendPasswordReset(context.Background(), sampleReset()); err != nil {
		t.Fatalf("SendPasswordReset failed: %v", err)
	}
	if got.TemplateUUID != "" {
		t.Errorf("TemplateUUID = %q, want empty", got.TemplateUUID)
	}
	if !strings.Contains(got.Text, "/reset-password/abc123") {
		t.Errorf("Text does not contain reset link: %q", got.Text)
	}
}

func TestMailtrapNotifier_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":["Unauthorized"]}`))
	}))
	defer ts.Close()

	n := NewMailtrapNotifier(MailtrapConfig{APIURL: ts.URL}, ts.Client(), nil)
	err := n.SendPasswordReset(context.Background(), sampleReset())
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want status in message", err)
	}
}

// fakeChannel はamqpChannelのモック。
type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	publishFn func() error
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.publishFn != nil {
		if err := f.publishFn(); err != nil {
			return err
		}
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestRabbitMQNotifier_PublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	n := newRabbitMQNotifier(ch, "")

	for i := 0; i < 2; i++ {
		if err := n.SendPasswordReset(context.Background(), sampleReset()); err != nil {
			t.Fatalf("SendPasswordReset failed: %v", err)
		}
	}

	if len(ch.declared) != 1 || ch.declared[0] != DefaultResetQueue {
		t.Errorf("declared = %v, want one declaration of %q", ch.declared, DefaultResetQueue)
	}
	if len(ch.published) != 2 {
		t.Fatalf("published = %d, want 2", len(ch.published))
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", msg.DeliveryMode)
	}
	if msg.ContentType != "application/json" || msg.MessageId == "" {
		t.Errorf("ContentType=%q MessageId=%q", msg.ContentType, msg.MessageId)
	}
	var decoded PasswordReset
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded.Email != "seeker@example.com" {
		t.Errorf("Email = %q", decoded.Email)
	}
}

func TestRabbitMQNotifier_PublishError(t *testing.T) {
	ch := &fakeChannel{publishFn: func() error { return errors.New("channel closed") }}
	n := newRabbitMQNotifier(ch, "custom")
	if err := n.SendPasswordReset(context.Background(), sampleReset()); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestNewRabbitMQNotifier_RequiresURL(t *testing.T) {
	if _, err := NewRabbitMQNotifier(" ", "q"); err == nil {
		t.Error("expected error for empty url")
	}
}
