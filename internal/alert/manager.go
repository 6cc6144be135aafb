package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what trading components depend on. Implementations must not block.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize = 128
	notifyTimeout    = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize int
}

// Manager delivers alerts through a bounded queue drained by one goroutine.
// A full queue drops the alert; Important never blocks a trading path.
type Manager struct {
	instanceID string
	notifier   Notifier
	queue      chan alertEvent
	stop       chan struct{}
	done       chan struct{}
	dropped    atomic.Uint64

	// mu guards closed and the dedupe keys of ImportantOnce.
	mu     sync.Mutex
	closed bool
	once   map[string]struct{}
}

type alertEvent struct {
	at     time.Time
	event  string
	fields map[string]string
}

func NewManager(instanceID string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	m := &Manager{
		instanceID: instanceID,
		notifier:   notifier,
		queue:      make(chan alertEvent, size),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		once:       make(map[string]struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueue(event, fields)
}

// ImportantOnce sends the alert the first time key is seen and drops repeats
// until Forget(key).
func (m *Manager) ImportantOnce(key, event string, fields map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.once[key]; seen || m.closed {
		return
	}
	m.once[key] = struct{}{}
	m.enqueue(event, fields)
}

func (m *Manager) Forget(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.once, key)
	m.mu.Unlock()
}

// Dropped is the number of alerts lost to a full queue.
func (m *Manager) Dropped() uint64 {
	if m == nil {
		return 0
	}
	return m.dropped.Load()
}

// enqueue requires m.mu.
func (m *Manager) enqueue(event string, fields map[string]string) {
	if m.closed {
		return
	}
	select {
	case m.queue <- alertEvent{at: time.Now().UTC(), event: event, fields: cloneFields(fields)}:
	default:
		n := m.dropped.Add(1)
		log.Printf("level=WARN event=alert_dropped target_event=%q dropped_total=%d queue_cap=%d", event, n, cap(m.queue))
	}
}

// Close stops intake and waits for queued alerts to be delivered.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					if n := m.dropped.Load(); n > 0 {
						log.Printf("level=WARN event=alert_queue_closed dropped_total=%d", n)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.event, err.Error())
	}
}

func (m *Manager) format(ev alertEvent) string {
	lines := []string{
		"[updown-trader] " + ev.event,
		"time: " + ev.at.Format(time.RFC3339),
		"instance: " + m.instanceID,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
