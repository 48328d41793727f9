package chat

import (
	"errors"
	"fmt"
)

// raised by the push connection when the socket closes unexpectedly.
// Observers see it as a `ChangeError` while the session reconnects.
var ErrConnectionLost = errors.New("connection lost")

var ErrSessionClosed = errors.New("session closed")

// rejected locally before any network call
type ValidationError struct {
	Field   string
	Message string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", self.Field, self.Message)
}

// transport failure with no response. Retry by re-issuing the same intent.
type NetworkError struct {
	Op  string
	Url string
	Err error
}

func (self *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %s", self.Op, self.Url, self.Err)
}

func (self *NetworkError) Unwrap() error {
	return self.Err
}

// non-2xx response. `Detail` is the server supplied message.
type ServerRejectedError struct {
	StatusCode int
	Detail     string
}

func (self *ServerRejectedError) Error() string {
	if self.Detail == "" {
		return fmt.Sprintf("server rejected the request (%d)", self.StatusCode)
	}
	return self.Detail
}

// a push frame that could not be decoded. The frame is dropped, the connection is kept.
type ProtocolDecodeError struct {
	Frame []byte
	Err   error
}

func (self *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("bad push frame: %s", self.Err)
}

func (self *ProtocolDecodeError) Unwrap() error {
	return self.Err
}

// retryable errors are the ones where re-issuing the identical intent can succeed
func IsRetryable(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr) || errors.Is(err, ErrConnectionLost)
}
