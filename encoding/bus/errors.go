package bus

import "fmt"

// FormatError reports a malformed header, record, or compressed block. It is
// fatal to the stream being decoded; readers never skip past one.
type FormatError struct {
	// Off is the byte offset at which the problem was detected, or -1 when
	// the offset is unknown.
	Off int64
	// Rec is the index of the record being decoded when the problem was
	// detected, or -1 when no record was in flight.
	Rec int64
	Msg string
}

func (e *FormatError) Error() string {
	switch {
	case e.Off >= 0 && e.Rec >= 0:
		return fmt.Sprintf("bus: %s (offset %d, record %d)", e.Msg, e.Off, e.Rec)
	case e.Off >= 0:
		return fmt.Sprintf("bus: %s (offset %d)", e.Msg, e.Off)
	case e.Rec >= 0:
		return fmt.Sprintf("bus: %s (record %d)", e.Msg, e.Rec)
	}
	return "bus: " + e.Msg
}

// FormatErrorf builds a FormatError at the given offset and record index.
// Pass -1 for values that are unknown or not applicable.
func FormatErrorf(off, rec int64, format string, args ...interface{}) error {
	return &FormatError{Off: off, Rec: rec, Msg: fmt.Sprintf(format, args...)}
}

// IsFormat reports whether err is a FormatError.
func IsFormat(err error) bool {
	_, ok := err.(*FormatError)
	return ok
}

// ConfigError reports a stream whose declared layout is incompatible with
// what the caller expects, e.g. a barcode width that differs from the
// whitelist's. It is detected at stream-open time and is fatal.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "bus: " + e.Msg }

// ConfigErrorf builds a ConfigError.
func ConfigErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err is a ConfigError.
func IsConfig(err error) bool {
	_, ok := err.(*ConfigError)
	return ok
}

// ResourceError reports disk or memory exhaustion while spilling or writing
// data. The operation that raised it has already cleaned up its temporary
// artifacts by the time the error propagates.
type ResourceError struct {
	// Op names the operation that failed, e.g. "write sort run".
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("bus: %s: %v", e.Op, e.Err)
}

// ResourceErrorf wraps err as a ResourceError for operation op.
func ResourceErrorf(op string, err error) error {
	return &ResourceError{Op: op, Err: err}
}

// IsResource reports whether err is a ResourceError.
func IsResource(err error) bool {
	_, ok := err.(*ResourceError)
	return ok
}
