package errorsx

import "errors"

// ReasonedError carries a machine-readable reason code alongside the
// underlying error. The code survives further fmt.Errorf("%w")
// wrapping and is read back with Reason.
type ReasonedError struct {
	Reason ReasonCode
	Err    error
}

func (e ReasonedError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Reason)
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with reason. An error that already carries a code
// keeps its original one, so the innermost classification wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var prior ReasonedError
	if errors.As(err, &prior) {
		return err
	}
	return ReasonedError{Reason: reason, Err: err}
}

// Reason reads the reason code off err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries reason.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
