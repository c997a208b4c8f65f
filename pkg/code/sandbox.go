// Package code evaluates the JavaScript bodies of code steps.
package code

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dukex/waypoint/pkg/models"
)

// Sandbox evaluates a transform body against a JSON input.
type Sandbox interface {
	Evaluate(ctx context.Context, code string, input any) (any, error)
}

// GojaSandbox runs each evaluation in a fresh goja runtime. Compiled programs
// are cached by source.
type GojaSandbox struct {
	programs sync.Map
	logger   *slog.Logger
}

// NewGojaSandbox creates a sandbox.
func NewGojaSandbox(logger *slog.Logger) *GojaSandbox {
	return &GojaSandbox{logger: logger.With("module", "code")}
}

func (s *GojaSandbox) compile(code string) (*goja.Program, error) {
	if cached, ok := s.programs.Load(code); ok {
		return cached.(*goja.Program), nil
	}

	program, err := goja.Compile("step", "("+strings.TrimSpace(code)+"\n)", true)
	if err != nil {
		return nil, err
	}

	s.programs.Store(code, program)

	return program, nil
}

// Evaluate runs code. When the body evaluates to a function it is called with
// input; otherwise its value is the result. input is also bound globally.
// Syntax errors are terminal, thrown exceptions transient.
func (s *GojaSandbox) Evaluate(ctx context.Context, code string, input any) (any, error) {
	program, err := s.compile(code)
	if err != nil {
		return nil, models.Terminal(fmt.Errorf("invalid code: %w", err))
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	err = s.bind(ctx, vm, input)
	if err != nil {
		return nil, models.Terminal(err)
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunProgram(program)
	if err != nil {
		return nil, s.classify(ctx, err)
	}

	if fn, ok := goja.AssertFunction(value); ok {
		value, err = fn(goja.Undefined(), vm.Get("input"))
		if err != nil {
			return nil, s.classify(ctx, err)
		}
	}

	return export(value)
}

func (s *GojaSandbox) bind(ctx context.Context, vm *goja.Runtime, input any) error {
	err := vm.Set("input", vm.ToValue(input))
	if err != nil {
		return fmt.Errorf("failed to bind input: %w", err)
	}

	console := vm.NewObject()

	err = console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}

		s.logger.DebugContext(ctx, "console.log", "args", args)

		return goja.Undefined()
	})
	if err != nil {
		return err
	}

	return vm.Set("console", console)
}

func (s *GojaSandbox) classify(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return models.Transient(fmt.Errorf("code evaluation interrupted: %w", context.Cause(ctx)))
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return models.Transient(fmt.Errorf("code threw: %s", exception.Value().String()))
	}

	return models.Transient(err)
}

// export converts a goja value to plain JSON types so numbers decode the same
// way as trigger input.
func export(value goja.Value) (any, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}

	data, err := json.Marshal(value.Export())
	if err != nil {
		return nil, models.Terminal(fmt.Errorf("code result is not JSON serializable: %w", err))
	}

	var out any

	err = json.Unmarshal(data, &out)
	if err != nil {
		return nil, models.Terminal(err)
	}

	return out, nil
}
