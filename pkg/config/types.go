package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format is the syntax of a desired-state document.
type Format string

const (
	// FormatYAML is a plain YAML document.
	FormatYAML Format = "yaml"

	// FormatCUE is a CUE document unified with the built-in schema.
	FormatCUE Format = "cue"

	// FormatStarlark is a Starlark script that assigns a global named desired.
	FormatStarlark Format = "starlark"
)

// FormatFromPath infers the document format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".star", ".starlark":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported document type %q (want .yaml, .yml, .cue or .star)", filepath.Ext(path))
	}
}

// SourceError is a document error with its position.
type SourceError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e SourceError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.File != "":
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	default:
		return e.Message
	}
}

// SourceErrors collects every error found in one document.
type SourceErrors []SourceError

// Error implements the error interface.
func (es SourceErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}
