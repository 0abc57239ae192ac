// Package batch defines the boundary to the external batch-submission
// system (ARC/SGE/SLURM/SSH). The tracker treats it as a synchronous client
// with four operations; everything about queues, nodes, and schedulers on
// the remote side is opaque behind the job handle.
package batch

import (
	"context"
	"errors"
	"fmt"
)

// RemoteStatus is the remote batch system's view of a submitted job.
type RemoteStatus string

const (
	StatusQueued   RemoteStatus = "queued"
	StatusRunning  RemoteStatus = "running"
	StatusFinished RemoteStatus = "finished"
	StatusFailed   RemoteStatus = "failed"
)

// SubmitRequest carries everything the batch system needs to start a job.
type SubmitRequest struct {
	// Name is a human-readable job name, best effort only.
	Name string
	// InputFiles maps filename -> content; staged into the job's scratch dir.
	InputFiles map[string][]byte
	// AppTag names the application to launch.
	AppTag string
	// Resource is the target queue/cluster.
	Resource      string
	Cores         int
	MemoryGB      int
	WalltimeHours int
}

// Client is the batch-submission boundary. Status queries are expected to
// return quickly; long waits are modeled by the caller re-polling.
type Client interface {
	// Submit starts a remote job and returns its opaque handle.
	Submit(ctx context.Context, req SubmitRequest) (handle string, err error)
	// Status polls a remote job.
	Status(ctx context.Context, handle string) (RemoteStatus, error)
	// Fetch retrieves the output files of a finished job.
	Fetch(ctx context.Context, handle string) (map[string][]byte, error)
	// Cancel requests best-effort cancellation.
	Cancel(ctx context.Context, handle string) error
}

// AuthError marks a credential/connectivity failure. The scheduler treats
// it as transient: the affected run parks in unreachable/notified and the
// failed call is retried on every pass until the operator re-authenticates.
// Every other error from the client is fatal to its run.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("batch auth failure during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
