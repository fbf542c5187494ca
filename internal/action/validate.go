package action

import (
	"fmt"
	"strings"
)

// ParamError reports a missing or malformed action parameter.
type ParamError struct {
	Kind   Kind
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: param %q %s", e.Kind, e.Param, e.Reason)
}

func missing(kind Kind, param string) error {
	return &ParamError{Kind: kind, Param: param, Reason: "is required"}
}

// Validate checks the required parameters of a, recursing into loop bodies.
func Validate(a Action) error {
	if a == nil {
		return &ParamError{Kind: "", Param: "action_type", Reason: "is required"}
	}
	m := a.meta()
	if m.RetryCount < 0 {
		return &ParamError{Kind: a.Kind(), Param: "retry_count", Reason: "must not be negative"}
	}
	if m.Timeout < 0 {
		return &ParamError{Kind: a.Kind(), Param: "timeout", Reason: "must not be negative"}
	}

	switch v := a.(type) {
	case Click:
		if !v.Target.isSet() {
			return missing(v.Kind(), "x/y or template")
		}
	case DoubleClick:
		if !v.Target.isSet() {
			return missing(v.Kind(), "x/y or template")
		}
	case RightClick:
		if !v.Target.isSet() {
			return missing(v.Kind(), "x/y or template")
		}
	case KeyPress:
		if strings.TrimSpace(v.Key) == "" {
			return missing(v.Kind(), "key")
		}
	case KeyCombination:
		if len(v.Keys) == 0 {
			return missing(v.Kind(), "keys")
		}
		for _, k := range v.Keys {
			if strings.TrimSpace(k) == "" {
				return &ParamError{Kind: v.Kind(), Param: "keys", Reason: "must not contain empty names"}
			}
		}
	case Wait:
		if v.Duration <= 0 {
			return missing(v.Kind(), "duration")
		}
	case WaitForTemplate:
		if v.Template == "" {
			return missing(v.Kind(), "template")
		}
		if v.Within < 0 {
			return &ParamError{Kind: v.Kind(), Param: "timeout", Reason: "must not be negative"}
		}
	case Scroll:
		if v.Amount == 0 {
			return missing(v.Kind(), "amount")
		}
	case Drag:
		if !v.From.isSet() {
			return missing(v.Kind(), "from")
		}
		if !v.To.isSet() {
			return missing(v.Kind(), "to")
		}
	case TypeText:
		if v.Text == "" {
			return missing(v.Kind(), "text")
		}
	case *Loop:
		return validateLoop(v)
	default:
		return &ParamError{Kind: a.Kind(), Param: "action_type", Reason: "is not supported"}
	}
	return nil
}

func validateLoop(l *Loop) error {
	switch l.LoopType {
	case LoopCount:
		if l.Count < 0 {
			return &ParamError{Kind: KindLoop, Param: "count", Reason: "must not be negative"}
		}
	case LoopCondition, LoopInfinite:
	default:
		return &ParamError{Kind: KindLoop, Param: "loop_type", Reason: fmt.Sprintf("unknown value %q", l.LoopType)}
	}
	if l.WhileTemplate != "" && l.UntilTemplate != "" {
		return &ParamError{Kind: KindLoop, Param: "while_template", Reason: "cannot be combined with until_template"}
	}
	if l.MaxIterations < 0 {
		return &ParamError{Kind: KindLoop, Param: "max_iterations", Reason: "must not be negative"}
	}
	for i, inner := range l.Body {
		if err := Validate(inner); err != nil {
			return fmt.Errorf("loop body[%d]: %w", i, err)
		}
	}
	return nil
}
