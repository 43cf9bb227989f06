// Package console prints relayed server events for a human watching the
// terminal.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
)

// Printer writes one line per server event it receives from the bus.
type Printer struct {
	bus events.Subscriber
	out io.Writer

	mutex sync.Mutex
	sub   *events.Subscription
	count int
}

// NewPrinter creates a printer writing to out.
func NewPrinter(bus events.Subscriber, out io.Writer) *Printer {
	return &Printer{
		bus: bus,
		out: out,
	}
}

// Start subscribes to every server kind.
func (p *Printer) Start() {
	p.sub = p.bus.SubscribeToAll(events.NamespaceServer, p.print)
}

// Stop unsubscribes.
func (p *Printer) Stop() {
	p.sub.Unsubscribe()
}

// Count returns how many events were printed.
func (p *Printer) Count() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.count
}

func (p *Printer) print(_ context.Context, ev events.Event) error {
	line, err := FormatEvent(ev)
	if err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.count++
	_, err = fmt.Fprintln(p.out, line)
	return err
}

// FormatEvent renders ev as "<time> <kind> [<correlation id>] <payload json>".
func FormatEvent(ev events.Event) (string, error) {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", fmt.Errorf("format %s: %w", ev.Kind, err)
	}
	corr := ev.CorrelationID
	if corr == "" {
		corr = "-"
	}
	return fmt.Sprintf("%s %-20s [%s] %s",
		ev.Timestamp.Format(time.RFC3339), ev.Kind, corr, body), nil
}
