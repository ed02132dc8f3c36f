package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError reports that an operation's budget elapsed before the remote
// side responded. It is a distinct kind so callers can tell "server never
// responded" from "server rejected".
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote: %s timed out after %s", e.Op, e.After)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ErrNotWritable marks a session that has been flagged unusable; wrapping it
// forces transport classification regardless of message text.
var ErrNotWritable = errors.New("session no longer writable")

// transportMarkers are message fragments that identify a broken transport.
// Classification by message is crude but it is what the underlying SSH/SFTP
// stack gives us for a dropped TCP connection.
var transportMarkers = []string{
	"not connected",
	"channel not open",
	"connection reset",
	"connection refused",
	"broken pipe",
	"hang up",
	"hung up",
	"write after end",
	"use of closed",
	"unexpected eof",
	"connection lost",
	"handshake failed",
}

// IsTransportErr reports whether err indicates a dead or dying connection,
// in which case the owning File Session must be torn down. Errors that do
// not classify (file-not-found, permission-denied, ...) are assumed
// application-level and leave the session intact.
func IsTransportErr(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) || errors.Is(err, ErrNotWritable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transportMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
