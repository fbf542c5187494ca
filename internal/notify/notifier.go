package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"gamepilot/internal/monitor"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a notification out to every configured notifier.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send tries every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// Forwarder turns monitor events into notifications. Sends happen off the
// monitor goroutine.
type Forwarder struct {
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewForwarder(n Notifier, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{notifier: n, logger: logger, timeout: 15 * time.Second}
}

// Callback returns the monitor callback that forwards events.
func (f *Forwarder) Callback() monitor.Callback {
	return func(ev monitor.Event) {
		title, body := Format(ev)
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			defer cancel()
			if err := f.notifier.Send(ctx, title, body); err != nil {
				f.logger.Warn("send notification", "monitor_id", ev.MonitorID, "task_id", ev.TaskID, "err", err)
			}
		}()
	}
}

// Wait blocks until in-flight sends finish.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

// Format renders an event as a notification title and body.
func Format(ev monitor.Event) (string, string) {
	title := fmt.Sprintf("gamepilot: %s", strings.ReplaceAll(string(ev.Type), "_", " "))
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "task %s", ev.TaskID)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, ev.Detail[k])
	}
	return title, b.String()
}
