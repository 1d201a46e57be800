package record

import "github.com/juju/errors"

// unsupportedTypeError marks a cell tag or metadata type that this
// connector cannot decode. Callers should treat it as fatal for the
// containing record, never for the whole batch.
type unsupportedTypeError struct {
	tag string
}

func (e *unsupportedTypeError) Error() string {
	return "unsupported cell type: " + e.tag
}

// NewUnsupportedType builds the error DecodeCell returns for a cell tag
// it cannot decode.
func NewUnsupportedType(tag string) error {
	return errors.Trace(&unsupportedTypeError{tag: tag})
}

// IsUnsupportedType reports whether err (or its cause) is an
// UnsupportedType error.
func IsUnsupportedType(err error) bool {
	_, ok := errors.Cause(err).(*unsupportedTypeError)
	return ok
}
