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

// Alerter is implemented by *Manager. A nil *Manager drops everything.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// Cooldown suppresses a repeat of the same event for the same venue, leg and
	// symbol inside the window. Zero sends every event.
	Cooldown time.Duration
}

// Manager hands important events to a Notifier from a bounded queue so callers on
// the poll or dispatch path never wait on the network.
type Manager struct {
	component   string
	instruments string
	notifier    Notifier
	opts        ManagerOptions

	events chan alertEvent
	quit   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	lastSent map[string]time.Time
	now      func() time.Time

	dropped       atomic.Uint64
	droppedWindow atomic.Uint64
	suppressed    atomic.Uint64
}

type alertEvent struct {
	name   string
	fields map[string]string
	at     time.Time
}

func NewManager(component string, instruments []string, notifier Notifier) *Manager {
	return NewManagerWithOptions(component, instruments, notifier, ManagerOptions{
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(component string, instruments []string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultAlertQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	m := &Manager{
		component:   component,
		instruments: strings.Join(instruments, ","),
		notifier:    notifier,
		opts:        opts,
		events:      make(chan alertEvent, opts.QueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}
	go m.run()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := m.now()
	if m.opts.Cooldown > 0 {
		key := dedupKey(event, fields)
		if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.opts.Cooldown {
			m.suppressed.Add(1)
			return
		}
		m.lastSent[key] = now
	}
	select {
	case m.events <- alertEvent{name: event, fields: cloneFields(fields), at: now}:
	default:
		total := m.dropped.Add(1)
		if m.droppedWindow.Add(1) == 1 {
			log.Printf("level=WARN event=alert_queue_dropped target_event=%q dropped_total=%d queue_cap=%d",
				event, total, cap(m.events))
		}
	}
}

// Close stops intake and waits for queued events to be delivered or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
	}
	m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	var report <-chan time.Time
	if m.opts.DropReportInterval > 0 {
		ticker := time.NewTicker(m.opts.DropReportInterval)
		defer ticker.Stop()
		report = ticker.C
	}
	for {
		select {
		case ev := <-m.events:
			m.deliver(ev)
		case <-report:
			m.reportDropped()
		case <-m.quit:
			for {
				select {
				case ev := <-m.events:
					m.deliver(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) reportDropped() {
	n := m.droppedWindow.Swap(0)
	if n == 0 {
		return
	}
	log.Printf("level=WARN event=alert_queue_dropped_report dropped_since_last=%d dropped_total=%d suppressed_total=%d",
		n, m.dropped.Load(), m.suppressed.Load())
}

func (m *Manager) deliver(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.name, err.Error())
	}
}

func (m *Manager) format(ev alertEvent) string {
	var b strings.Builder
	b.WriteString("[kp-monitor] " + ev.name + "\n")
	b.WriteString("component: " + m.component + "\n")
	b.WriteString("time: " + ev.at.UTC().Format(time.RFC3339) + "\n")
	if m.instruments != "" {
		b.WriteString("instruments: " + m.instruments + "\n")
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + ev.fields[k] + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func dedupKey(event string, fields map[string]string) string {
	return event + "|" + fields["venue"] + "|" + fields["leg"] + "|" + fields["symbol"]
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
