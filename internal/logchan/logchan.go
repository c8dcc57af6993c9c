// Package logchan carries log lines, status updates and trigger state from
// background workers to the foreground display loop.
package logchan

import (
	"fmt"
	"sync"
)

// Kind identifies what an Entry carries.
type Kind int

const (
	KindLine Kind = iota
	KindStatus
	KindTrigger
)

func (k Kind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindStatus:
		return "status"
	case KindTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// Entry is one queued item. Text is set for lines and statuses, Enabled for
// trigger entries.
type Entry struct {
	Kind    Kind
	Text    string
	Enabled bool
}

// Sink is the producer side used by the resolver, probe, flash session and
// monitor.
type Sink interface {
	Line(text string)
	Linef(format string, args ...any)
	Status(text string)
}

// Observer receives a copy of every appended entry on the producer's
// goroutine. It must not block.
type Observer func(Entry)

// Channel is an unbounded FIFO safe for concurrent producers and a single
// consumer.
type Channel struct {
	mu       sync.Mutex
	entries  []Entry
	observer Observer
}

// New creates an empty channel. observer may be nil.
func New(observer Observer) *Channel {
	return &Channel{observer: observer}
}

func (c *Channel) put(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer(e)
	}
}

// Line appends a text line.
func (c *Channel) Line(text string) {
	c.put(Entry{Kind: KindLine, Text: text})
}

// Linef appends a formatted text line.
func (c *Channel) Linef(format string, args ...any) {
	c.Line(fmt.Sprintf(format, args...))
}

// Status appends a status update.
func (c *Channel) Status(text string) {
	c.put(Entry{Kind: KindStatus, Text: text})
}

// Trigger appends the new enabled state of the start-flash trigger.
func (c *Channel) Trigger(enabled bool) {
	c.put(Entry{Kind: KindTrigger, Enabled: enabled})
}

// Drain removes and returns everything queued so far, oldest first.
func (c *Channel) Drain() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return nil
	}
	out := c.entries
	c.entries = nil
	return out
}

// Len returns the number of queued entries.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
