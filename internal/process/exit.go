package process

import (
	"fmt"
	"syscall"
)

// Exit codes workers use to make their termination recognizable.
const (
	ExitOK           = 0
	ExitBootError    = 3   // worker failed before its first heartbeat
	ExitAppLoadError = 4   // application could not be instantiated
	ExitSignalBase   = 128 // exit code 128+N: caught signal N and exited
)

// Cause classifies how a child terminated.
type Cause string

const (
	CauseNormal   Cause = "normal"
	CauseSignaled Cause = "signaled"
	CauseFault    Cause = "fault"
	CauseBoot     Cause = "boot-error"
	CauseAppLoad  Cause = "app-load-error"
	CauseTimeout  Cause = "timeout"
)

// Exit is the reaped status of a child.
type Exit struct {
	PID    int
	Code   int            // exit code when the child exited on its own, else -1
	Signal syscall.Signal // terminating or caught signal, 0 if none
	Cause  Cause
}

func (e Exit) String() string {
	if e.Signal != 0 {
		return fmt.Sprintf("pid %d %s (signal %s)", e.PID, e.Cause, e.Signal)
	}
	return fmt.Sprintf("pid %d %s (code %d)", e.PID, e.Cause, e.Code)
}

// Classify turns a wait status into an Exit.
func Classify(pid int, ws syscall.WaitStatus) Exit {
	e := Exit{PID: pid, Code: -1}
	switch {
	case ws.Exited():
		e.Code = ws.ExitStatus()
		switch {
		case e.Code == ExitOK:
			e.Cause = CauseNormal
		case e.Code == ExitBootError:
			e.Cause = CauseBoot
		case e.Code == ExitAppLoadError:
			e.Cause = CauseAppLoad
		case e.Code > ExitSignalBase && e.Code < ExitSignalBase+65:
			e.Signal = syscall.Signal(e.Code - ExitSignalBase)
			e.Cause = CauseSignaled
		default:
			e.Cause = CauseFault
		}
	case ws.Signaled():
		e.Signal = ws.Signal()
		switch e.Signal {
		case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGILL, syscall.SIGFPE, syscall.SIGABRT:
			e.Cause = CauseFault
		default:
			e.Cause = CauseSignaled
		}
	default:
		e.Cause = CauseFault
	}
	return e
}
