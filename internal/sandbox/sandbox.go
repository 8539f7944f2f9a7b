package sandbox

import (
	"context"

	"github.com/mvajha/talon/model"
)

// ExitEvent is an out-of-band notification that a sandbox finished. The
// recovery monitor consumes these to close out running jobs.
type ExitEvent struct {
	JobID    string
	Handle   string
	ExitCode int
	// Err is set when the exit code could not be observed, for example
	// when the container runtime lost the sandbox. Treated as an
	// infrastructure crash.
	Err error
}

// Launcher starts one isolated execution environment per job and returns
// an opaque handle for it. The sandbox receives its job descriptor via
// environment variables and is expected to write its screenshot artifact
// to the conventional location and exit 0 on success.
type Launcher interface {
	Launch(ctx context.Context, job *model.Job) (handle string, err error)
	// Terminate force-stops a sandbox. Idempotent; terminating an
	// already-gone handle is not an error.
	Terminate(ctx context.Context, handle string) error
	// Exits delivers sandbox exit notifications.
	Exits() <-chan ExitEvent
	Close()
}
