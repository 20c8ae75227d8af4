// Package coalesce implements the Request Coalescer: per-session sliding
// time windows that batch inbound messages before a session task is
// enqueued, so a burst of quick messages from one sender becomes a single
// downstream turn instead of several serialized ones.
package coalesce

import (
	"strings"
	"sync"
	"time"
)

// Image is an opaque image attachment carried alongside message text.
type Image struct {
	URL      string
	MimeType string
}

// Message is a single inbound unit offered to the coalescer.
type Message struct {
	Text   string
	Images []Image
}

// Combined is the result of joining every message in a closed window.
type Combined struct {
	Text   string
	Images []Image
}

// Config configures the coalescer's windowing behavior.
type Config struct {
	Enabled         bool
	WindowMs        int64
	MaxMessages     int
	ExcludePatterns []string
}

const maxWindowMs = 5000

// DefaultConfig matches a conservative gateway default: coalescing on, a
// short half-second window, batches capped at 10 messages, and subagent
// sessions excluded so child runs are never batched with anything else.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		WindowMs:        500,
		MaxMessages:     10,
		ExcludePatterns: []string{"subagent:"},
	}
}

func (c Config) clampedWindow() time.Duration {
	ms := c.WindowMs
	if ms <= 0 {
		ms = 1
	}
	if ms > maxWindowMs {
		ms = maxWindowMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) excluded(sessionKey string) bool {
	for _, pat := range c.ExcludePatterns {
		if pat == "" {
			continue
		}
		if strings.Contains(sessionKey, pat) {
			return true
		}
	}
	return false
}

type waiter chan []Message

// window is the in-flight accumulation state for one session key.
type window struct {
	messages []Message
	started  time.Time
	timer    *time.Timer
	waiters  []waiter
}

// Coalescer is the Request Coalescer component.
type Coalescer struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
}

// New creates a Coalescer with the given configuration.
func New(cfg Config) *Coalescer {
	return &Coalescer{
		cfg:     cfg,
		windows: make(map[string]*window),
	}
}

// Configure replaces the coalescer's configuration. An open window keeps
// the deadline it was opened with; messages that arrive afterwards are
// handled under the new config, including its MaxMessages.
func (c *Coalescer) Configure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Coalesce offers msg into sessionKey's window, returning a channel that
// receives the accumulated message list once the window closes. If
// coalescing is disabled, or sessionKey matches an exclude pattern, the
// channel is fulfilled immediately with a singleton list.
func (c *Coalescer) Coalesce(sessionKey string, msg Message) <-chan []Message {
	c.mu.Lock()

	if !c.cfg.Enabled || c.cfg.excluded(sessionKey) {
		c.mu.Unlock()
		ch := make(waiter, 1)
		ch <- []Message{msg}
		return ch
	}

	w, ok := c.windows[sessionKey]
	if ok {
		w.messages = append(w.messages, msg)
		ch := make(waiter, 1)
		w.waiters = append(w.waiters, ch)
		closeNow := c.cfg.MaxMessages > 0 && len(w.messages) >= c.cfg.MaxMessages
		c.mu.Unlock()
		if closeNow {
			c.closeWindow(sessionKey)
		}
		return ch
	}

	w = &window{
		messages: []Message{msg},
		started:  time.Now(),
	}
	ch := make(waiter, 1)
	w.waiters = append(w.waiters, ch)
	windowDur := c.cfg.clampedWindow()
	w.timer = time.AfterFunc(windowDur, func() {
		c.closeWindow(sessionKey)
	})
	c.windows[sessionKey] = w
	c.mu.Unlock()

	return ch
}

// closeWindow removes sessionKey's window from the active map before
// fulfilling any waiter, so a waiter that immediately calls back into
// Coalesce never observes the window it just closed.
func (c *Coalescer) closeWindow(sessionKey string) {
	c.mu.Lock()
	w, ok := c.windows[sessionKey]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.windows, sessionKey)
	c.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}

	messages := w.messages
	for _, ch := range w.waiters {
		ch <- messages
	}
}

// Flush force-closes sessionKey's window if one exists, returning true if
// a window was closed.
func (c *Coalescer) Flush(sessionKey string) bool {
	c.mu.Lock()
	_, ok := c.windows[sessionKey]
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.closeWindow(sessionKey)
	return true
}

// HasActive reports whether sessionKey currently has an open window.
func (c *Coalescer) HasActive(sessionKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.windows[sessionKey]
	return ok
}

// PendingCount returns the number of messages accumulated so far in
// sessionKey's open window, or 0 if none is open.
func (c *Coalescer) PendingCount(sessionKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[sessionKey]
	if !ok {
		return 0
	}
	return len(w.messages)
}

// Stats reports the number of open windows.
type Stats struct {
	ActiveWindows int
}

// Stats reports current coalescer utilization.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{ActiveWindows: len(c.windows)}
}

// ClearAll force-closes every open window, resolving each with whatever it
// had accumulated so far. Used on shutdown.
func (c *Coalescer) ClearAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.windows))
	for k := range c.windows {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.closeWindow(k)
	}
}

// Combine joins a closed window's messages into a single payload: empty
// input yields empty text, a single message passes through with its text
// trimmed, and
// multiple messages are concatenated with a blank-line separator while
// images are concatenated in arrival order.
func Combine(messages []Message) Combined {
	switch len(messages) {
	case 0:
		return Combined{}
	case 1:
		return Combined{Text: strings.TrimSpace(messages[0].Text), Images: messages[0].Images}
	}

	texts := make([]string, 0, len(messages))
	var images []Image
	for _, m := range messages {
		if t := strings.TrimSpace(m.Text); t != "" {
			texts = append(texts, t)
		}
		images = append(images, m.Images...)
	}
	return Combined{Text: strings.Join(texts, "\n\n"), Images: images}
}
