package dnx

import (
	"errors"

	"github.com/dnxgpu/dnx/mem"
)

var (
	// ErrInvalidFence is returned when waiting on a fence that was never handed out.
	ErrInvalidFence = errors.New("fence was never issued")
	// ErrBusy is returned by a non-blocking wait on an incomplete fence.
	ErrBusy = errors.New("fence not yet completed")
	// ErrTimedOut is returned when a fence did not complete within the wait timeout.
	ErrTimedOut = errors.New("timed out waiting for fence")
	// ErrInterrupted wraps the context error of a cancelled wait.
	ErrInterrupted = errors.New("wait interrupted")
	// ErrAbandoned is returned for fences whose work was dropped by a hang recovery.
	ErrAbandoned = errors.New("fence abandoned by recovery")

	// ErrInvalidArgument is returned for a submission without buffers.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBadJump is returned when the return jump does not lie inside a referenced buffer.
	ErrBadJump = errors.New("jump address is not inside a referenced buffer")
	// ErrNoSuchObject is returned for an unknown buffer handle.
	ErrNoSuchObject = mem.ErrNoSuchObject
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("device is closed")
)
