package receipt

import "errors"

// Sentinel error kinds. Callers classify failures with errors.Is and map them
// to exit codes at the CLI boundary.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidSize         = errors.New("invalid size")
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrCorruptedFile       = errors.New("corrupted file")
	ErrExtractionFailed    = errors.New("extraction failed")
	ErrAuthExpired         = errors.New("authorization expired")
	ErrDailyQuotaExceeded  = errors.New("daily quota exceeded")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrCanceled            = errors.New("canceled")
)

// Exit codes for the CLI surface.
const (
	ExitOK     = 0
	ExitSystem = 1
	ExitUser   = 2
	ExitAuth   = 3
	ExitSignal = 130
)

// ExitCode maps an error to its CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrCanceled):
		return ExitSignal
	case errors.Is(err, ErrAuthExpired):
		return ExitAuth
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidSize),
		errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrCorruptedFile):
		return ExitUser
	default:
		return ExitSystem
	}
}
