package dnsquery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"
)

// ErrorClass classifies transport-level failures.
type ErrorClass int

const (
	None ErrorClass = iota
	Timeout
	BadResponse
	SocketError
	Other
)

// String representation for ErrorClass.
func (c ErrorClass) String() string {
	switch c {
	case None:
		return "OK"
	case Timeout:
		return "Timeout"
	case BadResponse:
		return "BadResponse"
	case SocketError:
		return "SocketError"
	}
	return "Other"
}

var (
	// ErrClockWentBackwards is wrapped by ClockError.
	ErrClockWentBackwards = errors.New("clock went backwards")
	// ErrEmptyResponse is reported when an exchange returns neither a message nor an error.
	ErrEmptyResponse = errors.New("empty response")
)

// ClockError reports a negative elapsed time. Every relative comparison made
// after it would be meaningless, so it aborts the run.
type ClockError struct {
	Elapsed time.Duration
}

func (e *ClockError) Error() string {
	return fmt.Sprintf("%v: measured %v", ErrClockWentBackwards, e.Elapsed)
}

func (e *ClockError) Unwrap() error { return ErrClockWentBackwards }

// IsFatal reports whether err must abort the current run.
func IsFatal(err error) bool {
	var ce *ClockError
	return errors.As(err, &ce)
}

func classify(err error) ErrorClass {
	if err == nil {
		return None
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	var dnsErr *dns.Error
	if errors.As(err, &dnsErr) {
		return BadResponse
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return SocketError
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return SocketError
	}
	return Other
}
