package proto

import (
	"errors"
	"fmt"
)

// Error classes shared by every component.
var (
	// ErrMalformedMessage means a frame could not be decoded or lacks the
	// request discriminator. The connection is dropped without a response.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidRequest means a well-formed request is semantically incomplete.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound means an unknown chunk, file or node.
	ErrNotFound = errors.New("not found")

	// ErrUnreachable means a peer could not be reached or did not answer in time.
	ErrUnreachable = errors.New("unreachable")

	// ErrInconsistent means a declared size does not match the payload.
	ErrInconsistent = fmt.Errorf("%w: size mismatch", ErrInvalidRequest)
)

// Fail builds a FAILURE response for err, deriving the error code from its class.
func Fail(err error) *Response {
	code := CodeInternal
	switch {
	case errors.Is(err, ErrInvalidRequest):
		code = CodeInvalidRequest
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	}
	return &Response{Status: StatusFailure, Error: err.Error(), ErrorCode: code}
}

// Err converts a FAILURE response into an error wrapping the matching class.
// It returns nil for SUCCESS and OK responses.
func (r *Response) Err() error {
	if r == nil {
		return fmt.Errorf("%w: empty response", ErrMalformedMessage)
	}
	switch r.Status {
	case StatusSuccess, StatusOK:
		return nil
	case StatusFailure:
	default:
		return fmt.Errorf("%w: unexpected status %q", ErrMalformedMessage, r.Status)
	}

	msg := r.Error
	if msg == "" {
		msg = "remote failure"
	}
	switch r.ErrorCode {
	case CodeInvalidRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
	case CodeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return errors.New(msg)
	}
}
