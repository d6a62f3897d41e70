package call

import "errors"

var (
	// ErrPermissionDenied means the caller refused microphone access.
	ErrPermissionDenied = errors.New("call: microphone permission denied")
	// ErrConnectionFailed means the remote endpoint could not be opened.
	ErrConnectionFailed = errors.New("call: remote connection failed")
	// ErrTransportError is a remote failure after the call became active.
	ErrTransportError = errors.New("call: transport error")
	// ErrRemoteClosed is a close initiated by the remote side.
	ErrRemoteClosed = errors.New("call: remote closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("call: already started")
	// ErrEnded is returned when Start is called on a call that already ended.
	ErrEnded = errors.New("call: ended")
)

// EndReason records which trigger ended a call.
type EndReason string

const (
	ReasonHangup         EndReason = "hangup"
	ReasonTimeout        EndReason = "timeout"
	ReasonRemoteClosed   EndReason = "remote_closed"
	ReasonTransportError EndReason = "transport_error"
	ReasonInitFailed     EndReason = "init_failed"
	ReasonConnectFailed  EndReason = "connect_failed"
)
