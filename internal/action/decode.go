package action

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec is the declarative form of an action as stored in task configs and
// action files. Timeout is expressed in seconds.
type Spec struct {
	ActionType string         `json:"action_type" yaml:"action_type"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	RetryCount int            `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	Timeout    float64        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type actionFile struct {
	Actions []Spec `yaml:"actions"`
}

// ParseYAML decodes an action file. The document is either a list of specs
// or a mapping with an "actions" key. JSON input is accepted as well.
func ParseYAML(data []byte) ([]Spec, []Action, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, fmt.Errorf("parse action file: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil, fmt.Errorf("parse action file: empty document")
	}
	var specs []Spec
	switch doc := root.Content[0]; doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&specs); err != nil {
			return nil, nil, fmt.Errorf("decode action list: %w", err)
		}
	case yaml.MappingNode:
		var f actionFile
		if err := doc.Decode(&f); err != nil {
			return nil, nil, fmt.Errorf("decode action file: %w", err)
		}
		specs = f.Actions
	default:
		return nil, nil, fmt.Errorf("parse action file: expected a list or a mapping")
	}
	actions, err := Decode(specs)
	if err != nil {
		return nil, nil, err
	}
	return specs, actions, nil
}

// Decode converts specs into typed actions, rejecting unknown action types
// and missing parameters.
func Decode(specs []Spec) ([]Action, error) {
	actions := make([]Action, 0, len(specs))
	for i, s := range specs {
		a, err := DecodeSpec(s)
		if err != nil {
			return nil, fmt.Errorf("action[%d]: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// DecodeSpec converts a single spec.
func DecodeSpec(s Spec) (Action, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s.ActionType)))
	p := params{kind: kind, values: s.Params}
	if s.Timeout < 0 {
		return nil, &ParamError{Kind: kind, Param: "timeout", Reason: "must not be negative"}
	}
	meta := Meta{RetryCount: s.RetryCount, Timeout: seconds(s.Timeout)}

	var a Action
	switch kind {
	case KindClick:
		t, err := p.target("")
		if err != nil {
			return nil, err
		}
		button, err := p.str("button")
		if err != nil {
			return nil, err
		}
		a = Click{Meta: meta, Target: t, Button: button}
	case KindDoubleClick:
		t, err := p.target("")
		if err != nil {
			return nil, err
		}
		a = DoubleClick{Meta: meta, Target: t}
	case KindRightClick:
		t, err := p.target("")
		if err != nil {
			return nil, err
		}
		a = RightClick{Meta: meta, Target: t}
	case KindKeyPress:
		key, err := p.str("key")
		if err != nil {
			return nil, err
		}
		a = KeyPress{Meta: meta, Key: key}
	case KindKeyCombination:
		keys, err := p.strs("keys")
		if err != nil {
			return nil, err
		}
		a = KeyCombination{Meta: meta, Keys: keys}
	case KindWait:
		d, err := p.duration("duration")
		if err != nil {
			return nil, err
		}
		a = Wait{Meta: meta, Duration: d}
	case KindWaitForTemplate:
		w := WaitForTemplate{Meta: meta}
		var err error
		if w.Template, err = p.str("template"); err != nil {
			return nil, err
		}
		if w.Region, err = p.region("region"); err != nil {
			return nil, err
		}
		if w.Within, err = p.duration("timeout"); err != nil {
			return nil, err
		}
		if w.PollInterval, err = p.duration("interval"); err != nil {
			return nil, err
		}
		if w.MinConfidence, err = p.float("min_confidence"); err != nil {
			return nil, err
		}
		a = w
	case KindScroll:
		amount, _, err := p.integer("amount")
		if err != nil {
			return nil, err
		}
		t, err := p.optionalTarget("")
		if err != nil {
			return nil, err
		}
		a = Scroll{Meta: meta, Target: t, Amount: amount}
	case KindDrag:
		from, err := p.target("from_")
		if err != nil {
			return nil, err
		}
		to, err := p.target("to_")
		if err != nil {
			return nil, err
		}
		d, err := p.duration("duration")
		if err != nil {
			return nil, err
		}
		a = Drag{Meta: meta, From: from, To: to, Duration: d}
	case KindTypeText:
		text, err := p.str("text")
		if err != nil {
			return nil, err
		}
		interval, err := p.duration("interval")
		if err != nil {
			return nil, err
		}
		a = TypeText{Meta: meta, Text: text, Interval: interval}
	case KindLoop:
		l, err := decodeLoop(meta, p)
		if err != nil {
			return nil, err
		}
		a = l
	case "":
		return nil, &ParamError{Kind: kind, Param: "action_type", Reason: "is required"}
	default:
		return nil, &ParamError{Kind: kind, Param: "action_type", Reason: "is not a known action"}
	}
	if err := Validate(a); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeLoop(meta Meta, p params) (*Loop, error) {
	l := &Loop{Meta: meta}
	loopType, err := p.str("loop_type")
	if err != nil {
		return nil, err
	}
	l.LoopType = LoopType(loopType)
	if l.LoopType == "" {
		l.LoopType = LoopCount
	}
	if l.Count, _, err = p.integer("count"); err != nil {
		return nil, err
	}
	if l.MaxIterations, _, err = p.integer("max_iterations"); err != nil {
		return nil, err
	}
	if l.WhileTemplate, err = p.str("while_template"); err != nil {
		return nil, err
	}
	if l.UntilTemplate, err = p.str("until_template"); err != nil {
		return nil, err
	}
	if l.Region, err = p.region("region"); err != nil {
		return nil, err
	}
	breakOnError, set, err := p.boolean("break_on_error")
	if err != nil {
		return nil, err
	}
	l.ContinueOnError = set && !breakOnError

	raw, ok := p.values["actions"]
	if !ok {
		return nil, missing(KindLoop, "actions")
	}
	// Round-trip through YAML to turn the generic body into specs.
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return nil, &ParamError{Kind: KindLoop, Param: "actions", Reason: err.Error()}
	}
	var body []Spec
	if err := yaml.Unmarshal(buf, &body); err != nil {
		return nil, &ParamError{Kind: KindLoop, Param: "actions", Reason: "must be a list of actions"}
	}
	if l.Body, err = Decode(body); err != nil {
		return nil, fmt.Errorf("loop body: %w", err)
	}
	return l, nil
}

type params struct {
	kind   Kind
	values map[string]any
}

func (p params) bad(name, reason string) error {
	return &ParamError{Kind: p.kind, Param: name, Reason: reason}
}

func (p params) str(name string) (string, error) {
	v, ok := p.values[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", p.bad(name, "must be a string")
	}
	return s, nil
}

func (p params) strs(name string) ([]string, error) {
	v, ok := p.values[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return strings.Split(t, "+"), nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, p.bad(name, "must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, p.bad(name, "must be a list of strings")
	}
}

func (p params) float(name string) (float64, error) {
	v, ok := p.values[name]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, p.bad(name, "must be a number")
		}
		return f, nil
	default:
		return 0, p.bad(name, "must be a number")
	}
}

func (p params) integer(name string) (int, bool, error) {
	if _, ok := p.values[name]; !ok {
		return 0, false, nil
	}
	f, err := p.float(name)
	if err != nil {
		return 0, true, err
	}
	if f != math.Trunc(f) {
		return 0, true, p.bad(name, "must be an integer")
	}
	return int(f), true, nil
}

func (p params) boolean(name string) (bool, bool, error) {
	v, ok := p.values[name]
	if !ok || v == nil {
		return false, false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, true, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, true, p.bad(name, "must be a boolean")
		}
		return parsed, true, nil
	default:
		return false, true, p.bad(name, "must be a boolean")
	}
}

// duration accepts seconds as a number or a Go duration string ("1.5s").
func (p params) duration(name string) (time.Duration, error) {
	v, ok := p.values[name]
	if !ok || v == nil {
		return 0, nil
	}
	if s, isString := v.(string); isString {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, nil
		}
	}
	f, err := p.float(name)
	if err != nil {
		return 0, p.bad(name, "must be seconds or a duration string")
	}
	if f < 0 {
		return 0, p.bad(name, "must not be negative")
	}
	return seconds(f), nil
}

func (p params) region(name string) (*Region, error) {
	v, ok := p.values[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, p.bad(name, "must be a mapping with x, y, width, height")
	}
	sub := params{kind: p.kind, values: m}
	var r Region
	var err error
	for key, dst := range map[string]*int{"x": &r.X, "y": &r.Y, "width": &r.Width, "height": &r.Height} {
		if *dst, _, err = sub.integer(key); err != nil {
			return nil, p.bad(name+"."+key, "must be an integer")
		}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return nil, p.bad(name, "must have a positive width and height")
	}
	return &r, nil
}

// target reads "<prefix>x"/"<prefix>y" or "<prefix>template" and is required.
func (p params) target(prefix string) (Target, error) {
	t, err := p.optionalTarget(prefix)
	if err != nil {
		return Target{}, err
	}
	if !t.isSet() {
		return Target{}, missing(p.kind, prefix+"x/"+prefix+"y or "+prefix+"template")
	}
	return t, nil
}

func (p params) optionalTarget(prefix string) (Target, error) {
	var t Target
	var err error
	if t.Template, err = p.str(prefix + "template"); err != nil {
		return t, err
	}
	if t.Region, err = p.region(prefix + "region"); err != nil {
		return t, err
	}
	x, hasX, err := p.integer(prefix + "x")
	if err != nil {
		return t, err
	}
	y, hasY, err := p.integer(prefix + "y")
	if err != nil {
		return t, err
	}
	if hasX != hasY {
		return t, p.bad(prefix+"x", "and "+prefix+"y must be given together")
	}
	if hasX && t.Template == "" {
		t.Point = &Point{X: x, Y: y}
	}
	return t, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
