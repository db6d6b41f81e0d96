package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/netconverge/netconverge/pkg/engine"
)

// DocumentLoader reads desired-state documents in any supported format.
type DocumentLoader struct {
	cue      *CUEParser
	starlark *StarlarkEvaluator
}

// NewDocumentLoader creates a loader. scriptTimeout bounds Starlark scripts.
func NewDocumentLoader(scriptTimeout time.Duration) (*DocumentLoader, error) {
	parser, err := NewCUEParser()
	if err != nil {
		return nil, err
	}
	return &DocumentLoader{
		cue:      parser,
		starlark: NewStarlarkEvaluator(scriptTimeout),
	}, nil
}

// LoadFile reads path and returns the validated desired state. Decode
// failures are reported as SourceErrors; semantic failures as an
// *engine.ValidationError.
func (l *DocumentLoader) LoadFile(ctx context.Context, path string) (*engine.DesiredState, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return l.Load(ctx, path, format, src)
}

// Load decodes src in the given format and validates it.
func (l *DocumentLoader) Load(ctx context.Context, name string, format Format, src []byte) (*engine.DesiredState, error) {
	doc, err := l.Decode(ctx, name, format, src)
	if err != nil {
		return nil, err
	}

	desired, err := engine.NewDesiredState(doc)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("document", name).
		Str("format", string(format)).
		Str("location", desired.Location()).
		Int("services", len(doc.Services)).
		Msg("Loaded desired state")
	return desired, nil
}

// Decode decodes src without semantic validation.
func (l *DocumentLoader) Decode(ctx context.Context, name string, format Format, src []byte) (engine.Document, error) {
	switch format {
	case FormatYAML:
		return decodeYAMLDocument(name, src)
	case FormatCUE:
		return l.cue.Parse(name, src)
	case FormatStarlark:
		return l.starlark.Evaluate(ctx, name, src)
	default:
		return engine.Document{}, fmt.Errorf("unsupported document format %q", format)
	}
}

// Schema returns the CUE schema documents are checked against.
func (l *DocumentLoader) Schema() string {
	return l.cue.Schema()
}

func decodeYAMLDocument(name string, src []byte) (engine.Document, error) {
	var doc engine.Document
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return engine.Document{}, SourceErrors{{File: name, Message: "document is empty"}}
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			out := make(SourceErrors, 0, len(typeErr.Errors))
			for _, msg := range typeErr.Errors {
				out = append(out, SourceError{File: name, Message: msg})
			}
			return engine.Document{}, out
		}
		return engine.Document{}, SourceErrors{{File: name, Message: err.Error()}}
	}
	return doc, nil
}

// decodeStrictJSON decodes data into out and rejects unknown keys.
func decodeStrictJSON(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
