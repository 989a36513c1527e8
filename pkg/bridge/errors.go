package bridge

import "errors"

var (
	// ErrDisposed is returned by Bridge methods called after Dispose.
	ErrDisposed = errors.New("bridge: disposed")
	// ErrRequestTimeout marks a request that exceeded RequestTimeout
	// waiting for a broker reply.
	ErrRequestTimeout = errors.New("bridge: request timed out waiting for reply")
	// ErrRequestCanceled marks a request whose HTTP client disconnected
	// before a reply arrived.
	ErrRequestCanceled = errors.New("bridge: request canceled by client")
	// ErrPermissionDenied is returned by extractToken when cookie names or
	// a default token type are configured but no token data could be
	// extracted from the request — spec's HMB token policy rule 4.
	ErrPermissionDenied = errors.New("bridge: authentication information is required")
	// ErrUnknownRequest names the case of a reply for a request id no
	// longer in the registry (already pruned, replied to, or canceled).
	// No function in this package returns it: DeliverReply reports that
	// case by returning false.
	ErrUnknownRequest = errors.New("bridge: unknown request id")
)
