package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/netconverge/netconverge/pkg/engine"
)

const (
	// desiredGlobal is the global a Starlark document must assign.
	desiredGlobal = "desired"
	// maxStarlarkSteps bounds the work a document script may do.
	maxStarlarkSteps = 10_000_000
)

// StarlarkEvaluator runs desired-state scripts. Besides the language
// built-ins a script sees struct, json, env(name, default="") and
// hostname(), so one script can describe several machines.
type StarlarkEvaluator struct {
	timeout  time.Duration
	lookup   func(string) (string, bool)
	hostname func() (string, error)
}

// NewStarlarkEvaluator creates an evaluator whose scripts are cancelled
// after timeout, 10s when zero.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout, lookup: os.LookupEnv, hostname: os.Hostname}
}

// Evaluate runs script and decodes its desired global into a document.
// Script failures come back as SourceErrors naming filename.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename string, script []byte) (engine.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "document " + filename,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("script", filename).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)
	defer context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })()

	globals, err := starlark.ExecFile(thread, filename, script, se.predeclared())
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return engine.Document{}, SourceErrors{{File: filename, Message: evalErr.Backtrace()}}
		}
		return engine.Document{}, fmt.Errorf("starlark execution failed: %w", err)
	}

	desired, ok := globals[desiredGlobal]
	if !ok {
		return engine.Document{}, SourceErrors{{File: filename, Message: "script does not assign a global named " + desiredGlobal}}
	}

	// json.encode accepts dicts, lists and structs alike
	encode := starlarkjson.Module.Members["encode"]
	encoded, err := starlark.Call(thread, encode, starlark.Tuple{desired}, nil)
	if err != nil {
		return engine.Document{}, SourceErrors{{File: filename, Message: fmt.Sprintf("%s is not a document: %v", desiredGlobal, err)}}
	}

	var doc engine.Document
	if err := decodeStrictJSON([]byte(encoded.(starlark.String)), &doc); err != nil {
		return engine.Document{}, SourceErrors{{File: filename, Message: err.Error()}}
	}
	return doc, nil
}

func (se *StarlarkEvaluator) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":     starlarkjson.Module,
		"env":      starlark.NewBuiltin("env", se.builtinEnv),
		"hostname": starlark.NewBuiltin("hostname", se.builtinHostname),
	}
}

// builtinEnv implements env(name, default="").
func (se *StarlarkEvaluator) builtinEnv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := se.lookup(name); ok {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}

// builtinHostname implements hostname().
func (se *StarlarkEvaluator) builtinHostname(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	name, err := se.hostname()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(name), nil
}
