package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Configuration errors reported to administrative callers.
var (
	ErrNotFound              = errors.New("dicom: instance not found")
	ErrDuplicateTitleAndPort = errors.New("dicom: duplicate AE title and port")
	ErrUnknownStrategy       = errors.New("dicom: unknown strategy")
	ErrInvalidInstance       = errors.New("dicom: invalid instance")
)

// NotFoundError reports an unknown instance ID.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %d not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// DuplicateTitleAndPortError reports that another enabled instance already
// uses the AE title on the port.
type DuplicateTitleAndPortError struct {
	AETitle string
	Port    int
}

func (e *DuplicateTitleAndPortError) Error() string {
	return fmt.Sprintf("an enabled instance with AE title %q already exists on port %d", e.AETitle, e.Port)
}

func (e *DuplicateTitleAndPortError) Is(target error) bool {
	return target == ErrDuplicateTitleAndPort
}

// DuplicatePropertiesError rejects a bulk update. Duplicates maps the key
// of every offending entry in the batch to the AE title and port it
// collides on.
type DuplicatePropertiesError struct {
	Duplicates map[string]DuplicateTitleAndPortError
}

func (e *DuplicatePropertiesError) Error() string {
	keys := make([]string, 0, len(e.Duplicates))
	for k := range e.Duplicates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		d := e.Duplicates[k]
		parts = append(parts, fmt.Sprintf("%s=%s:%d", k, d.AETitle, d.Port))
	}
	return "duplicate AE title and port in batch: " + strings.Join(parts, ", ")
}

func (e *DuplicatePropertiesError) Is(target error) bool {
	return target == ErrDuplicateTitleAndPort
}

// UnknownStrategyError reports a strategy reference with no registered
// factory. Kind is "identifier" or "file namer".
type UnknownStrategyError struct {
	Kind string
	Name string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown %s strategy %q", e.Kind, e.Name)
}

func (e *UnknownStrategyError) Is(target error) bool {
	return target == ErrUnknownStrategy
}

// InvalidInstanceError reports a field that fails validation.
type InvalidInstanceError struct {
	Field  string
	Reason string
}

func (e *InvalidInstanceError) Error() string {
	return fmt.Sprintf("invalid instance: %s %s", e.Field, e.Reason)
}

func (e *InvalidInstanceError) Is(target error) bool {
	return target == ErrInvalidInstance
}
