package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"updown-trader/internal/config"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() { close(n.entered) })
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func blockedManager(t *testing.T, opts ManagerOptions) (*Manager, chan struct{}) {
	t.Helper()
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := NewManager("btc-15m", spy, opts)
	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}
	return m, block
}

func TestNewManagerWithoutNotifierIsNil(t *testing.T) {
	m := NewManager("x", nil, ManagerOptions{})
	if m != nil {
		t.Fatalf("NewManager(nil notifier) = %v, want nil", m)
	}
	m.Important("ignored", nil)
	m.ImportantOnce("k", "ignored", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("nil Close() error = %v", err)
	}
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("btc-15m", spy, ManagerOptions{})

	m.Important("trade_opened", map[string]string{"token": "t1", "cost": "5"})
	m.Important("trade_stopped", map[string]string{"token": "t1"})
	closeManager(t, m)

	msgs := spy.messages()
	if len(msgs) != 2 {
		t.Fatalf("notified count = %d, want 2", len(msgs))
	}
	first := msgs[0]
	for _, want := range []string{"[updown-trader] trade_opened", "instance: btc-15m", "cost: 5\ntoken: t1"} {
		if !strings.Contains(first, want) {
			t.Fatalf("first message missing %q, got %q", want, first)
		}
	}
}

func TestManagerImportantAfterCloseIsIgnored(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("btc-15m", spy, ManagerOptions{})
	closeManager(t, m)
	m.Important("late", nil)
	closeManager(t, m)
	if got := len(spy.messages()); got != 0 {
		t.Fatalf("notified count = %d, want 0", got)
	}
}

func TestManagerImportantOnceDedupesUntilForget(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("btc-15m", spy, ManagerOptions{})

	m.ImportantOnce("orphan:t1", "orphan_balance", map[string]string{"token": "t1"})
	m.ImportantOnce("orphan:t1", "orphan_balance", map[string]string{"token": "t1"})
	m.ImportantOnce("orphan:t2", "orphan_balance", map[string]string{"token": "t2"})
	m.Forget("orphan:t1")
	m.ImportantOnce("orphan:t1", "orphan_balance", map[string]string{"token": "t1"})
	closeManager(t, m)

	if got := len(spy.messages()); got != 3 {
		t.Fatalf("notified count = %d, want 3", got)
	}
}

func TestManagerImportantNonBlockingWhenQueueFull(t *testing.T) {
	m, block := blockedManager(t, ManagerOptions{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Important("spam", map[string]string{"i": "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() appears blocked when queue is full")
	}

	close(block)
	closeManager(t, m)
}

func TestManagerCountsDroppedAndReportsOnClose(t *testing.T) {
	var logs syncBuffer
	origOutput, origFlags := log.Writer(), log.Flags()
	log.SetOutput(&logs)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	}()

	m, block := blockedManager(t, ManagerOptions{QueueSize: 1})
	m.Important("queue_fill", nil)
	for i := 0; i < 10; i++ {
		m.Important("spam", nil)
	}
	m.ImportantOnce("k", "spam_once", nil)
	if got := m.Dropped(); got != 11 {
		t.Fatalf("Dropped() = %d, want 11", got)
	}

	close(block)
	closeManager(t, m)
	if !strings.Contains(logs.String(), "event=alert_queue_closed dropped_total=11") {
		t.Fatalf("missing close summary, got logs: %s", logs.String())
	}
}

func TestTelegramNotifierPostsMessage(t *testing.T) {
	var got telegramSendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{BotToken: "tok", ChatID: "42", APIBaseURL: srv.URL + "/"})
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %q, want /bottok/sendMessage", path)
	}
	if got.ChatID != "42" || got.Text != "hello" {
		t.Fatalf("request = %+v", got)
	}
}

func TestTelegramNotifierReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{BotToken: "tok", ChatID: "42", APIBaseURL: srv.URL})
	err := n.Notify(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Notify() error = %v, want chat not found", err)
	}
}

func TestNotifierForDisabledTelegramLogs(t *testing.T) {
	if _, ok := NotifierFor(config.TelegramConfig{}).(LogNotifier); !ok {
		t.Fatalf("NotifierFor(disabled) is not LogNotifier")
	}
	if _, ok := NotifierFor(config.TelegramConfig{Enabled: true}).(*TelegramNotifier); !ok {
		t.Fatalf("NotifierFor(enabled) is not *TelegramNotifier")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
