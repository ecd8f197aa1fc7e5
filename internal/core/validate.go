package core

import (
	"fmt"
	"regexp"
)

// MaxWorkerNameLength caps the worker name used in consumer and log naming.
const MaxWorkerNameLength = 64

var workerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidateWorkerName checks a process worker name.
func ValidateWorkerName(name string) error {
	if name == "" {
		return NewValidationError("Worker name is required.", map[string]any{"field": "name"})
	}
	if len(name) > MaxWorkerNameLength {
		return NewValidationError(
			fmt.Sprintf("Worker name exceeds %d characters.", MaxWorkerNameLength),
			map[string]any{"field": "name", "length": len(name)},
		)
	}
	if !workerNamePattern.MatchString(name) {
		return NewValidationError(
			fmt.Sprintf("Worker name '%s' may only contain letters, digits, '_', '.' and '-'.", name),
			map[string]any{"field": "name"},
		)
	}
	return nil
}
