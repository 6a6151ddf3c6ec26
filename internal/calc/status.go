package calc

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	Idle    Status = "idle"
	Running Status = "running"
	Paused  Status = "paused"
	Done    Status = "done"
	Error   Status = "error"
)

// Terminal reports whether the status ends a walk for good.
func (s Status) Terminal() bool { return s == Done || s == Error }

// Command is a user or lifecycle action on a Session.
type Command string

const (
	CmdStart   Command = "start"
	CmdPause   Command = "pause"
	CmdCancel  Command = "cancel"
	CmdResume  Command = "resume"
	CmdRetry   Command = "retry"
	CmdNew     Command = "new"
	CmdDismiss Command = "dismiss"
)

// Commands lists every command in a stable order.
func Commands() []Command {
	return []Command{CmdStart, CmdPause, CmdCancel, CmdResume, CmdRetry, CmdNew, CmdDismiss}
}

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	for _, c := range Commands() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

var (
	ErrAlreadyRunning = errors.New("calculation already running")
	ErrUnknownCommand = errors.New("unknown command")
	ErrClosed         = errors.New("session closed")
)

// TransitionError reports a command that the current status does not allow.
type TransitionError struct {
	From    Status
	Command Command
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a calculation that is %s", e.Command, e.From)
}
