package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	defaultVariance      = 0.3
	minVariance          = 0.1
	maxVariance          = 0.5
	defaultMaxIterations = 1000
	defaultSlice         = 100 * time.Millisecond
	defaultTemplatePoll  = 250 * time.Millisecond
	defaultTemplateWait  = 10 * time.Second
	defaultDragDuration  = 500 * time.Millisecond
	defaultTypeInterval  = 50 * time.Millisecond
)

var errTemplateNotFound = errors.New("template not found")

// Executor runs actions against the input and detection services.
type Executor struct {
	input    Input
	detector Detector
	logger   *slog.Logger

	preDelay      time.Duration
	postDelay     time.Duration
	variance      float64
	maxIterations int
	slice         time.Duration
	random        func() float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for warnings such as the loop guard.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithDelays sets the base delay applied before and after every primitive.
func WithDelays(pre, post time.Duration) Option {
	return func(e *Executor) {
		e.preDelay = pre
		e.postDelay = post
	}
}

// WithVariance sets the jitter ratio applied to delays, clamped to [0.1, 0.5].
func WithVariance(v float64) Option {
	return func(e *Executor) { e.variance = v }
}

// WithMaxIterations sets the default loop ceiling.
func WithMaxIterations(n int) Option {
	return func(e *Executor) { e.maxIterations = n }
}

// WithRandom replaces the jitter source. f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(e *Executor) { e.random = f }
}

// NewExecutor creates an executor. detector may be nil when no action needs templates.
func NewExecutor(input Input, detector Detector, opts ...Option) *Executor {
	e := &Executor{
		input:         input,
		detector:      detector,
		logger:        slog.New(slog.DiscardHandler),
		preDelay:      50 * time.Millisecond,
		postDelay:     100 * time.Millisecond,
		variance:      defaultVariance,
		maxIterations: defaultMaxIterations,
		slice:         defaultSlice,
		random:        rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.variance < minVariance {
		e.variance = minVariance
	}
	if e.variance > maxVariance {
		e.variance = maxVariance
	}
	if e.maxIterations <= 0 {
		e.maxIterations = defaultMaxIterations
	}
	return e
}

// Execute runs a single action, including its retries. Parameter errors are
// reported without touching the input service.
func (e *Executor) Execute(ctx context.Context, a Action) Result {
	start := time.Now()
	if err := Validate(a); err != nil {
		return Result{Success: false, Message: err.Error(), Err: err, ExecutionTime: time.Since(start)}
	}
	if l, ok := a.(*Loop); ok {
		return e.ExecuteLoop(ctx, l)
	}

	m := a.meta()
	var res Result
	for attempt := 0; attempt <= m.RetryCount; attempt++ {
		res = e.executeOnce(ctx, a, m.Timeout)
		if res.Success || ctx.Err() != nil {
			break
		}
		if attempt < m.RetryCount {
			e.logger.Debug("retrying action", "action", a.Kind(), "attempt", attempt+1, "err", res.Err)
		}
	}
	res.ExecutionTime = time.Since(start)
	return res
}

// ExecuteSequence runs actions strictly in order. When stopOnError is set the
// returned slice ends at the first failed action.
func (e *Executor) ExecuteSequence(ctx context.Context, actions []Action, stopOnError bool) []Result {
	results := make([]Result, 0, len(actions))
	for _, a := range actions {
		res := e.Execute(ctx, a)
		results = append(results, res)
		if !res.Success && stopOnError {
			break
		}
	}
	return results
}

func (e *Executor) executeOnce(ctx context.Context, a Action, timeout time.Duration) (res Result) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("action %s panicked: %v", a.Kind(), r)
			res = Result{Success: false, Message: err.Error(), Err: err}
		}
	}()

	if err := e.sleep(ctx, e.jitter(e.preDelay)); err != nil {
		return Result{Success: false, Message: "cancelled before execution", Err: err}
	}
	res = e.dispatch(ctx, a)
	if err := e.sleep(ctx, e.jitter(e.postDelay)); err != nil && res.Success {
		res.Message = "cancelled after execution"
	}
	return res
}

func (e *Executor) dispatch(ctx context.Context, a Action) Result {
	switch v := a.(type) {
	case Click:
		button := v.Button
		if button == "" {
			button = "left"
		}
		return e.pointAction(ctx, v.Target, func(p Point) error {
			return e.input.Click(ctx, p.X, p.Y, button)
		})
	case DoubleClick:
		return e.pointAction(ctx, v.Target, func(p Point) error {
			return e.input.DoubleClick(ctx, p.X, p.Y)
		})
	case RightClick:
		return e.pointAction(ctx, v.Target, func(p Point) error {
			return e.input.Click(ctx, p.X, p.Y, "right")
		})
	case KeyPress:
		return outcome(e.input.KeyPress(ctx, v.Key), "pressed "+v.Key, map[string]any{"key": v.Key})
	case KeyCombination:
		return outcome(e.input.KeyCombo(ctx, v.Keys), "pressed combination", map[string]any{"keys": v.Keys})
	case Wait:
		if err := e.sleep(ctx, v.Duration); err != nil {
			return Result{Success: false, Message: "wait interrupted", Err: err}
		}
		return Result{Success: true, Message: fmt.Sprintf("waited %s", v.Duration)}
	case WaitForTemplate:
		return e.waitForTemplate(ctx, v)
	case Scroll:
		if !v.Target.isSet() {
			return outcome(e.input.Scroll(ctx, 0, 0, v.Amount), "scrolled", map[string]any{"amount": v.Amount})
		}
		return e.pointAction(ctx, v.Target, func(p Point) error {
			return e.input.Scroll(ctx, p.X, p.Y, v.Amount)
		})
	case Drag:
		return e.drag(ctx, v)
	case TypeText:
		interval := v.Interval
		if interval <= 0 {
			interval = defaultTypeInterval
		}
		return outcome(e.input.TypeText(ctx, v.Text, interval), "typed text", map[string]any{"length": len(v.Text)})
	default:
		err := fmt.Errorf("unsupported action %s", a.Kind())
		return Result{Success: false, Message: err.Error(), Err: err}
	}
}

// pointAction resolves target with a fresh lookup and calls do once.
func (e *Executor) pointAction(ctx context.Context, target Target, do func(Point) error) Result {
	p, confidence, err := e.resolve(ctx, target)
	if err != nil {
		return targetFailure(target, err)
	}
	data := map[string]any{"x": p.X, "y": p.Y}
	if target.Template != "" {
		data["template"] = target.Template
		data["confidence"] = confidence
	}
	return outcome(do(p), fmt.Sprintf("acted at (%d,%d)", p.X, p.Y), data)
}

func (e *Executor) drag(ctx context.Context, d Drag) Result {
	from, _, err := e.resolve(ctx, d.From)
	if err != nil {
		return targetFailure(d.From, err)
	}
	to, _, err := e.resolve(ctx, d.To)
	if err != nil {
		return targetFailure(d.To, err)
	}
	duration := d.Duration
	if duration <= 0 {
		duration = defaultDragDuration
	}
	data := map[string]any{"from_x": from.X, "from_y": from.Y, "to_x": to.X, "to_y": to.Y}
	return outcome(e.input.Drag(ctx, from.X, from.Y, to.X, to.Y, duration), "dragged", data)
}

func (e *Executor) resolve(ctx context.Context, t Target) (Point, float64, error) {
	if t.Template == "" {
		return *t.Point, 1, nil
	}
	if e.detector == nil {
		return Point{}, 0, errors.New("no detector configured")
	}
	m, err := e.detector.FindTemplate(ctx, t.Template, t.Region)
	if err != nil {
		return Point{}, 0, fmt.Errorf("find template %s: %w", t.Template, err)
	}
	if !m.Found {
		return Point{}, m.Confidence, errTemplateNotFound
	}
	return m.Location, m.Confidence, nil
}

func (e *Executor) waitForTemplate(ctx context.Context, w WaitForTemplate) Result {
	if e.detector == nil {
		err := errors.New("no detector configured")
		return Result{Success: false, Message: err.Error(), Err: err}
	}
	within := w.Within
	if within <= 0 {
		within = defaultTemplateWait
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = defaultTemplatePoll
	}
	deadline := time.Now().Add(within)
	for {
		m, err := e.detector.FindTemplate(ctx, w.Template, w.Region)
		if err != nil {
			return Result{Success: false, Message: "detector failure", Err: fmt.Errorf("find template %s: %w", w.Template, err)}
		}
		if m.Found && m.Confidence >= w.MinConfidence {
			return Result{
				Success: true,
				Message: "template " + w.Template + " appeared",
				Data:    map[string]any{"x": m.Location.X, "y": m.Location.Y, "confidence": m.Confidence},
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Success: false, Message: fmt.Sprintf("template %s not found within %s", w.Template, within)}
		}
		if err := e.sleep(ctx, min(poll, remaining)); err != nil {
			return Result{Success: false, Message: "wait interrupted", Err: err}
		}
	}
}

// sleep waits for d in slices so that cancellation is observed promptly.
func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(min(remaining, e.slice))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Executor) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 1 + e.variance*(2*e.random()-1)
	return time.Duration(float64(d) * factor)
}

func outcome(err error, message string, data map[string]any) Result {
	if err != nil {
		return Result{Success: false, Message: err.Error(), Data: data, Err: err}
	}
	return Result{Success: true, Message: message, Data: data}
}

func targetFailure(t Target, err error) Result {
	if errors.Is(err, errTemplateNotFound) {
		return Result{Success: false, Message: fmt.Sprintf("template %s not found", t.Template)}
	}
	return Result{Success: false, Message: err.Error(), Err: err}
}
