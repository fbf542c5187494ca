package action

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Loop exit reasons reported in Result.Data["exit_reason"].
const (
	ExitCountReached    = "count_reached"
	ExitConditionFalse  = "condition_false"
	ExitMaxIterations   = "max_iterations"
	ExitIterationFailed = "iteration_failed"
	ExitCancelled       = "cancelled"
)

var errMissingCondition = errors.New("condition loop has no condition")

// ExecuteLoop runs the body of l until one of its exit conditions holds. The
// result is successful whenever the loop ends through a defined exit, even
// if some iterations failed.
func (e *Executor) ExecuteLoop(ctx context.Context, l *Loop) Result {
	start := time.Now()
	fault := func(err error) Result {
		return Result{Success: false, Message: err.Error(), Err: err, ExecutionTime: time.Since(start)}
	}
	if err := validateLoop(l); err != nil {
		return fault(err)
	}

	var cond ConditionFunc
	if l.LoopType == LoopCondition {
		cond = e.loopCondition(l)
		if cond == nil {
			return fault(errMissingCondition)
		}
	}

	limit := l.MaxIterations
	if limit <= 0 {
		limit = e.maxIterations
	}

	iterations, failed := 0, 0
	var exit string
	var lastErr error
	for {
		if ctx.Err() != nil {
			exit = ExitCancelled
			break
		}
		if l.LoopType == LoopCount && iterations >= l.Count {
			exit = ExitCountReached
			break
		}
		if iterations >= limit {
			exit = ExitMaxIterations
			e.logger.Warn("loop reached max iterations", "loop_type", l.LoopType, "max_iterations", limit)
			break
		}
		if cond != nil {
			ok, err := cond(ctx, iterations)
			if err != nil {
				return Result{
					Success:       false,
					Message:       "loop condition failed",
					Err:           fmt.Errorf("evaluate loop condition: %w", err),
					Data:          loopData(iterations, failed, "condition_error"),
					ExecutionTime: time.Since(start),
				}
			}
			if !ok {
				exit = ExitConditionFalse
				break
			}
		}

		iterations++
		if err := e.iterate(ctx, l.Body); err != nil {
			if ctx.Err() != nil {
				exit = ExitCancelled
				break
			}
			failed++
			lastErr = err
			if !l.ContinueOnError {
				exit = ExitIterationFailed
				break
			}
		}
	}

	res := Result{
		Success:       true,
		Message:       fmt.Sprintf("loop finished after %d iterations (%s)", iterations, exit),
		Data:          loopData(iterations, failed, exit),
		ExecutionTime: time.Since(start),
	}
	if lastErr != nil {
		res.Data["last_error"] = lastErr.Error()
	}
	return res
}

// iterate runs the body once and returns an outcome error for the first failed action.
func (e *Executor) iterate(ctx context.Context, body []Action) error {
	for i, r := range e.ExecuteSequence(ctx, body, true) {
		if r.Success {
			continue
		}
		if r.Err != nil {
			return fmt.Errorf("body[%d] %s: %w", i, body[i].Kind(), r.Err)
		}
		return fmt.Errorf("body[%d] %s: %s", i, body[i].Kind(), r.Message)
	}
	return nil
}

func (e *Executor) loopCondition(l *Loop) ConditionFunc {
	if l.Condition != nil {
		return l.Condition
	}
	if e.detector == nil {
		return nil
	}
	name, want := l.WhileTemplate, true
	if name == "" {
		name, want = l.UntilTemplate, false
	}
	if name == "" {
		return nil
	}
	return func(ctx context.Context, _ int) (bool, error) {
		m, err := e.detector.FindTemplate(ctx, name, l.Region)
		if err != nil {
			return false, err
		}
		return m.Found == want, nil
	}
}

func loopData(iterations, failed int, exit string) map[string]any {
	return map[string]any{
		"iterations":        iterations,
		"failed_iterations": failed,
		"exit_reason":       exit,
	}
}
