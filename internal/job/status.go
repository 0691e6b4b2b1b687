package job

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Status describes why a job ended in the ERROR state.
type Status struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
}

func NewStatus(code codes.Code, msg string) *Status {
	return &Status{Code: code, Message: msg}
}

func (s *Status) Error() string {
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Standard statuses for errors originating from jobq rather than from the
// runner.
func CanceledStatus() *Status {
	return NewStatus(codes.Canceled, "cancelled")
}

func ForceCanceledStatus() *Status {
	return NewStatus(codes.Canceled, "cancelled, runner unresponsive")
}

func ExpiredStatus() *Status {
	return NewStatus(codes.DeadlineExceeded, "expired")
}

func RunnerLostStatus() *Status {
	return NewStatus(codes.Unavailable, "runner lost")
}

func AssignAttemptsExceededStatus(attempts int) *Status {
	return NewStatus(codes.Aborted, fmt.Sprintf("assignment failed after %d attempts", attempts))
}

func DependencyFailedStatus(dep fmt.Stringer) *Status {
	return NewStatus(codes.FailedPrecondition, fmt.Sprintf("dependency %s failed", dep))
}

func ProvisionFailedStatus(msg string) *Status {
	return NewStatus(codes.Unavailable, "provisioning on-demand runner failed: "+msg)
}
