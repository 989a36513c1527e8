package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// ErrDisposed is returned by any Client method called after Dispose.
	ErrDisposed = errors.New("messaging: client disposed")
	// ErrNotConnected is returned by PushBlock and SendEnvelope when the
	// sender connection is not up.
	ErrNotConnected = errors.New("messaging: not connected")
	// ErrTargetPeerNotFound classifies a broker rejection meaning the
	// destination peer is not currently reachable through this broker.
	ErrTargetPeerNotFound = errors.New("messaging: target peer not found")
)

// errorKind buckets a raw dial/send error for reconnect and suppression
// decisions. Adapted from the teacher's pkg/resilience.ClassifyError
// dispatch: the same pattern-matching approach, narrowed to the error
// shapes a broker connection actually produces.
type errorKind int

const (
	kindUnknown errorKind = iota
	kindNetwork
	kindTimeout
	kindTargetPeerNotFound
	kindPermanent
)

func classify(err error) errorKind {
	if err == nil {
		return kindUnknown
	}
	if errors.Is(err, ErrTargetPeerNotFound) {
		return kindTargetPeerNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return kindTimeout
		}
		return kindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no route to host"):
		return kindNetwork
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return kindTimeout
	case strings.Contains(msg, "target peer"), strings.Contains(msg, "peer not found"):
		return kindTargetPeerNotFound
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "permission"):
		return kindPermanent
	default:
		return kindUnknown
	}
}

func (k errorKind) retryable() bool {
	return k == kindNetwork || k == kindTimeout || k == kindUnknown
}

// kindOf extracts the classification already attached to a dialError, or
// classifies err fresh if it isn't one.
func kindOf(err error) errorKind {
	var de *dialError
	if errors.As(err, &de) {
		return de.kind
	}
	return classify(err)
}

// dialError wraps a raw dial failure with its classification and the
// endpoint that was attempted, for logging.
type dialError struct {
	endpoint string
	kind     errorKind
	at       time.Time
	err      error
}

func (e *dialError) Error() string {
	return fmt.Sprintf("messaging: dial %s failed (%s): %v", e.endpoint, e.kind, e.err)
}

func (e *dialError) Unwrap() error { return e.err }

func (k errorKind) String() string {
	switch k {
	case kindNetwork:
		return "network"
	case kindTimeout:
		return "timeout"
	case kindTargetPeerNotFound:
		return "target-peer-not-found"
	case kindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}
