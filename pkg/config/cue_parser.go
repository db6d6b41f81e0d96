package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/netconverge/netconverge/pkg/engine"
)

// CUEParser decodes CUE desired-state documents.
type CUEParser struct {
	// cue.Context is not safe for concurrent use
	mu      sync.Mutex
	ctx     *cue.Context
	desired cue.Value
}

// NewCUEParser compiles the document schema.
func NewCUEParser() (*CUEParser, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(documentSchema, cue.Filename("netconverge-schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile document schema: %w", err)
	}
	return &CUEParser{
		ctx:     ctx,
		desired: schema.LookupPath(cue.ParsePath("#Desired")),
	}, nil
}

// Parse unifies src with the schema and decodes the result. Every schema
// violation is reported as a SourceError.
func (cp *CUEParser) Parse(filename string, src []byte) (engine.Document, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return engine.Document{}, convertCUEErrors(err)
	}

	unified := cp.desired.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.Document{}, convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return engine.Document{}, convertCUEErrors(err)
	}

	var doc engine.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return engine.Document{}, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return doc, nil
}

// Schema returns the CUE source of the document schema.
func (cp *CUEParser) Schema() string {
	return documentSchema
}

// convertCUEErrors converts CUE errors to SourceErrors.
func convertCUEErrors(err error) SourceErrors {
	var out SourceErrors
	for _, e := range errors.Errors(err) {
		se := SourceError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			se.File = pos[0].Filename()
			se.Line = pos[0].Line()
			se.Column = pos[0].Column()
		}
		out = append(out, se)
	}
	if len(out) == 0 {
		out = append(out, SourceError{Message: err.Error()})
	}
	return out
}
