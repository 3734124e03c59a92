package media

import "errors"

// Acquisition errors. These are surfaced to the user and retried only within
// the bounded recovery policy.
var (
	ErrDeviceUnavailable      = errors.New("no capture device available")
	ErrPermissionDenied       = errors.New("camera permission denied")
	ErrBindingFailed          = errors.New("stream could not be bound to the sink")
	ErrEnumerationUnsupported = errors.New("device enumeration unsupported")
	ErrSinkClosed             = errors.New("sink closed")
)

// ErrHardwareFault is the parent of every hardware-class failure that makes
// the recognition loop stop and escalate to the supervisor.
var ErrHardwareFault = errors.New("hardware fault")

// Hardware-class failures.
var (
	ErrTrackUnreadable     = &hardwareError{msg: "track unreadable"}
	ErrStartFailure        = &hardwareError{msg: "stream failed to start"}
	ErrConstraintViolation = &hardwareError{msg: "constraints cannot be satisfied"}
)

type hardwareError struct{ msg string }

func (e *hardwareError) Error() string { return e.msg }

// Is makes every hardware-class error match ErrHardwareFault.
func (e *hardwareError) Is(target error) bool { return target == ErrHardwareFault }

// IsHardwareFault reports whether err belongs to the hardware class.
func IsHardwareFault(err error) bool {
	return errors.Is(err, ErrHardwareFault)
}
