package worker

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError aggregates the field errors found in a launch spec.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation error"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s; ", k, e.Fields[k])
	}
	return strings.TrimSuffix(b.String(), "; ")
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

func (e *ValidationError) add(field, msg string) {
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// Validate rejects specs that would start a miner with missing arguments.
func (s LaunchSpec) Validate() error {
	err := newValidationError()

	if strings.TrimSpace(s.Identity.Path) == "" {
		err.add("identity", "keypair path is required")
	}
	if strings.TrimSpace(s.Endpoint.String()) == "" {
		err.add("endpoint", "is required")
	}
	if s.Threads < 1 {
		err.add("threads", "must be at least 1")
	}
	if s.DisplayID < 1 {
		err.add("display_id", "must be at least 1")
	}

	if len(err.Fields) > 0 {
		return err
	}
	return nil
}
