package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PlanFormat identifies the encoding of a plan file.
type PlanFormat string

const (
	PlanFormatYAML PlanFormat = "yaml"
	PlanFormatJSON PlanFormat = "json"
	PlanFormatCUE  PlanFormat = "cue"
)

// DetectPlanFormat picks the format from the file extension. Directories are
// loaded as CUE packages.
func DetectPlanFormat(path string, isDir bool) (PlanFormat, error) {
	if isDir {
		return PlanFormatCUE, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return PlanFormatYAML, nil
	case ".json":
		return PlanFormatJSON, nil
	case ".cue":
		return PlanFormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported plan file extension %q", filepath.Ext(path))
	}
}

// ValidationError is one problem found while loading a plan.
type ValidationError struct {
	// File is the file path where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path where the error occurred.
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}
