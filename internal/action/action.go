package action

import (
	"context"
	"time"
)

// Kind is the declarative action_type of an action.
type Kind string

const (
	KindClick           Kind = "click"
	KindDoubleClick     Kind = "double_click"
	KindRightClick      Kind = "right_click"
	KindKeyPress        Kind = "key_press"
	KindKeyCombination  Kind = "key_combination"
	KindWait            Kind = "wait"
	KindWaitForTemplate Kind = "wait_for_template"
	KindScroll          Kind = "scroll"
	KindDrag            Kind = "drag"
	KindTypeText        Kind = "type_text"
	KindLoop            Kind = "loop"
)

// Action is one step of an automation sequence. The set of implementations
// is closed; see the concrete types in this file.
type Action interface {
	Kind() Kind
	meta() Meta
}

// Meta holds the settings shared by every action.
type Meta struct {
	// RetryCount is the number of extra attempts made after a failed execution.
	RetryCount int
	// Timeout bounds a single attempt. Zero means unbounded.
	Timeout time.Duration
}

func (m Meta) meta() Meta { return m }

// Point is a screen coordinate.
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Region restricts template lookups to part of the screen.
type Region struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Target is either a fixed point or a template resolved at execution time.
type Target struct {
	Point    *Point
	Template string
	Region   *Region
}

func (t Target) isSet() bool {
	return t.Point != nil || t.Template != ""
}

// At returns a fixed-coordinate target.
func At(x, y int) Target {
	return Target{Point: &Point{X: x, Y: y}}
}

// OnTemplate returns a target located by template lookup.
func OnTemplate(name string, region *Region) Target {
	return Target{Template: name, Region: region}
}

type Click struct {
	Meta
	Target Target
	Button string
}

type DoubleClick struct {
	Meta
	Target Target
}

type RightClick struct {
	Meta
	Target Target
}

type KeyPress struct {
	Meta
	Key string
}

type KeyCombination struct {
	Meta
	Keys []string
}

type Wait struct {
	Meta
	Duration time.Duration
}

// WaitForTemplate polls the detector until Template appears or Within elapses.
type WaitForTemplate struct {
	Meta
	Template      string
	Region        *Region
	Within        time.Duration
	PollInterval  time.Duration
	MinConfidence float64
}

// Scroll scrolls by Amount at Target, or at the origin when Target is unset.
type Scroll struct {
	Meta
	Target Target
	Amount int
}

type Drag struct {
	Meta
	From     Target
	To       Target
	Duration time.Duration
}

type TypeText struct {
	Meta
	Text     string
	Interval time.Duration
}

// LoopType selects how a loop decides to run another iteration.
type LoopType string

const (
	LoopCount     LoopType = "count"
	LoopCondition LoopType = "condition"
	LoopInfinite  LoopType = "infinite"
)

// ConditionFunc is evaluated before every iteration of a condition loop,
// including the first. iteration is the number of completed iterations.
type ConditionFunc func(ctx context.Context, iteration int) (bool, error)

// Loop repeats Body. Condition loops take their predicate from Condition,
// or from WhileTemplate/UntilTemplate resolved against the detector.
type Loop struct {
	Meta
	LoopType      LoopType
	Count         int
	Condition     ConditionFunc
	WhileTemplate string
	UntilTemplate string
	Region        *Region
	Body          []Action
	// MaxIterations caps every loop type. Zero uses the executor default.
	MaxIterations int
	// ContinueOnError keeps iterating after a failed iteration.
	ContinueOnError bool
}

func (Click) Kind() Kind           { return KindClick }
func (DoubleClick) Kind() Kind     { return KindDoubleClick }
func (RightClick) Kind() Kind      { return KindRightClick }
func (KeyPress) Kind() Kind        { return KindKeyPress }
func (KeyCombination) Kind() Kind  { return KindKeyCombination }
func (Wait) Kind() Kind            { return KindWait }
func (WaitForTemplate) Kind() Kind { return KindWaitForTemplate }
func (Scroll) Kind() Kind          { return KindScroll }
func (Drag) Kind() Kind            { return KindDrag }
func (TypeText) Kind() Kind        { return KindTypeText }
func (*Loop) Kind() Kind           { return KindLoop }

// Result is the typed outcome of executing one action.
type Result struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Err           error          `json:"-"`
}
