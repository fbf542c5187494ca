// Package device provides input and detection backends for the action executor.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gamepilot/internal/action"
)

// Call is one input event received by Sim.
type Call struct {
	Op   string
	Args string
	At   time.Time
}

// Sim is a simulated game client. Templates are visible only after they are
// shown, input operations can be made to fail, and every call is recorded.
type Sim struct {
	logger  *slog.Logger
	latency time.Duration

	mu         sync.Mutex
	calls      []Call
	templates  map[string]simTemplate
	failures   map[string]error
	running    bool
	foreground bool
}

type simTemplate struct {
	at         action.Point
	confidence float64
	// appearsAfter counts lookups that still miss before the template is found.
	appearsAfter int
}

// SimOption configures a Sim.
type SimOption func(*Sim)

func WithSimLogger(l *slog.Logger) SimOption {
	return func(s *Sim) { s.logger = l }
}

// WithLatency makes every input operation take d.
func WithLatency(d time.Duration) SimOption {
	return func(s *Sim) { s.latency = d }
}

// NewSim returns a running, foreground client with no visible templates.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		logger:     slog.New(slog.DiscardHandler),
		templates:  make(map[string]simTemplate),
		failures:   make(map[string]error),
		running:    true,
		foreground: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShowTemplate makes name visible at p from the next lookup on.
func (s *Sim) ShowTemplate(name string, p action.Point, confidence float64) {
	s.ShowTemplateAfter(name, p, confidence, 0)
}

// ShowTemplateAfter makes name visible once misses lookups have missed.
func (s *Sim) ShowTemplateAfter(name string, p action.Point, confidence float64, misses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[name] = simTemplate{at: p, confidence: confidence, appearsAfter: misses}
}

func (s *Sim) HideTemplate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, name)
}

// FailOp makes every call to op ("click", "key_press", ...) return err.
// A nil err clears the failure.
func (s *Sim) FailOp(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// SetApp sets the answers of the AppWatcher methods.
func (s *Sim) SetApp(running, foreground bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	s.foreground = foreground
}

// Calls returns a copy of the recorded input events.
func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Sim) Click(ctx context.Context, x, y int, button string) error {
	return s.input(ctx, "click", fmt.Sprintf("%d,%d %s", x, y, button))
}

func (s *Sim) DoubleClick(ctx context.Context, x, y int) error {
	return s.input(ctx, "double_click", fmt.Sprintf("%d,%d", x, y))
}

func (s *Sim) KeyPress(ctx context.Context, key string) error {
	return s.input(ctx, "key_press", key)
}

func (s *Sim) KeyCombo(ctx context.Context, keys []string) error {
	return s.input(ctx, "key_combination", strings.Join(keys, "+"))
}

func (s *Sim) Scroll(ctx context.Context, x, y, amount int) error {
	return s.input(ctx, "scroll", fmt.Sprintf("%d,%d %d", x, y, amount))
}

func (s *Sim) Drag(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	if err := s.input(ctx, "drag", fmt.Sprintf("%d,%d->%d,%d", x1, y1, x2, y2)); err != nil {
		return err
	}
	return s.pause(ctx, duration)
}

func (s *Sim) TypeText(ctx context.Context, text string, interval time.Duration) error {
	if err := s.input(ctx, "type_text", text); err != nil {
		return err
	}
	return s.pause(ctx, time.Duration(len([]rune(text)))*interval)
}

func (s *Sim) FindTemplate(ctx context.Context, name string, _ *action.Region) (action.Match, error) {
	if err := ctx.Err(); err != nil {
		return action.Match{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.templates[name]
	if !ok {
		return action.Match{}, nil
	}
	if tpl.appearsAfter > 0 {
		tpl.appearsAfter--
		s.templates[name] = tpl
		return action.Match{}, nil
	}
	return action.Match{Found: true, Location: tpl.at, Confidence: tpl.confidence}, nil
}

func (s *Sim) CaptureRegion(ctx context.Context, region *action.Region) (action.Image, error) {
	if err := ctx.Err(); err != nil {
		return action.Image{}, err
	}
	img := action.Image{Captured: time.Now()}
	if region != nil {
		img.Region = *region
	}
	return img, nil
}

func (s *Sim) IsTargetAppRunning(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, nil
}

func (s *Sim) IsTargetAppForeground(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.foreground, nil
}

func (s *Sim) input(ctx context.Context, op, args string) error {
	if err := s.pause(ctx, s.latency); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: op, Args: args, At: time.Now()})
	err := s.failures[op]
	s.mu.Unlock()
	s.logger.Debug("sim input", "op", op, "args", args, "err", err)
	return err
}

func (s *Sim) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
