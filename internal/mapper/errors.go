package mapper

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ConfigError marks a missing required option, an invalid enum value, or
// an unresolvable mapper class name. It is fatal at startup and is never
// retried.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return e.Reason
	}
	return fmt.Sprintf("config error for option %q: %s", e.Option, e.Reason)
}

func NewConfigError(option, reason string) error {
	return errors.Trace(&ConfigError{Option: option, Reason: reason})
}

func IsConfigError(err error) bool {
	_, ok := errors.Cause(err).(*ConfigError)
	return ok
}

// UnsupportedType marks a metadata field whose value is not one of the
// string/number/boolean types a sink can coerce for its transport.
type UnsupportedType struct {
	Field string
	Kind  string
}

func (e *UnsupportedType) Error() string {
	return fmt.Sprintf("unsupported type %s for metadata field %q", e.Kind, e.Field)
}

func NewUnsupportedType(field, kind string) error {
	return errors.Trace(&UnsupportedType{Field: field, Kind: kind})
}

func IsUnsupportedType(err error) (*UnsupportedType, bool) {
	ut, ok := errors.Cause(err).(*UnsupportedType)
	return ut, ok
}

// PartialFailure reports that a batch was only partly delivered. It
// carries per-item diagnostics, trimmed to the first 5 verbatim plus a
// summary, per spec §4.E.
type PartialFailure struct {
	Total    int
	Failed   int
	Messages []string
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("partial failure: %d of %d items failed: %s", e.Failed, e.Total, strings.Join(e.Messages, "; "))
}

// NewPartialFailure builds a PartialFailure, trimming messages to the
// first 5 verbatim with the remainder summarized as "+N more".
func NewPartialFailure(total, failed int, messages []string) error {
	return errors.Trace(&PartialFailure{Total: total, Failed: failed, Messages: trimMessages(messages)})
}

func IsPartialFailure(err error) (*PartialFailure, bool) {
	pf, ok := errors.Cause(err).(*PartialFailure)
	return pf, ok
}

// TotalFailure reports that every item in a batch failed.
type TotalFailure struct {
	Total    int
	Messages []string
}

func (e *TotalFailure) Error() string {
	return fmt.Sprintf("total failure: all %d items failed: %s", e.Total, strings.Join(e.Messages, "; "))
}

func NewTotalFailure(total int, messages []string) error {
	return errors.Trace(&TotalFailure{Total: total, Messages: trimMessages(messages)})
}

func IsTotalFailure(err error) (*TotalFailure, bool) {
	tf, ok := errors.Cause(err).(*TotalFailure)
	return tf, ok
}

func trimMessages(messages []string) []string {
	const keep = 5
	if len(messages) <= keep {
		return messages
	}
	out := make([]string, 0, keep+1)
	out = append(out, messages[:keep]...)
	out = append(out, fmt.Sprintf("+%d more", len(messages)-keep))
	return out
}
