package misc

import (
	"errors"
)

var (
	// EnableAWSIntegration is a program-global flag that determines whether outbound HTTP
	// requests are traced via AWS X-Ray. The tracing library itself no-ops gracefully when
	// the process isn't running on EC2, so this flag only exists to let an operator turn the
	// instrumentation off entirely.
	EnableAWSIntegration = true
	// EmergencyLockDown is a flag checked by Periodic before each invocation of its function;
	// when true the periodic task stops and WaitForErr returns ErrEmergencyLockDown.
	EmergencyLockDown bool
	// ErrEmergencyLockDown is returned to callers that try to operate while locked down.
	ErrEmergencyLockDown = errors.New("LOCKED DOWN")
)
