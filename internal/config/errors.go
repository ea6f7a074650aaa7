package config

import (
	"errors"
	"fmt"
	"strings"
)

// Violation is one problem found in a registration document.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// Error aggregates every violation found while loading or resolving a
// configuration. It is returned before any computation starts.
type Error struct {
	Source     string
	Violations []Violation
}

func (e *Error) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "invalid configuration"
	}
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	if len(e.Violations) == 1 {
		b.WriteString(": ")
		b.WriteString(e.Violations[0].String())
		return b.String()
	}
	fmt.Fprintf(&b, " (%d violations):", len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("\n  - ")
		b.WriteString(v.String())
	}
	return b.String()
}

func (e *Error) Addf(path, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (e *Error) merge(other *Error) {
	if other == nil {
		return
	}
	e.Violations = append(e.Violations, other.Violations...)
}

// Err returns nil when no violation was recorded.
func (e *Error) Err() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// Has reports whether any violation path starts with prefix.
func (e *Error) Has(prefix string) bool {
	if e == nil {
		return false
	}
	for _, v := range e.Violations {
		if strings.HasPrefix(v.Path, prefix) {
			return true
		}
	}
	return false
}

// Errorf returns a single-violation configuration error.
func Errorf(path, format string, args ...any) *Error {
	e := &Error{}
	e.Addf(path, format, args...)
	return e
}

func AsError(err error) (*Error, bool) {
	var cfgErr *Error
	if errors.As(err, &cfgErr) {
		return cfgErr, true
	}
	return nil, false
}

func IsError(err error) bool {
	_, ok := AsError(err)
	return ok
}
