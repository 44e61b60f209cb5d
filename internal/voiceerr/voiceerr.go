// Package voiceerr defines the voice runtime error taxonomy and maps
// platform failures into it.
package voiceerr

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Kind string

const (
	KindPermissionDenied               Kind = "permission_denied"
	KindMicrophoneUnavailable          Kind = "microphone_unavailable"
	KindSpeechRecognitionUnavailable   Kind = "speech_recognition_unavailable"
	KindOnDeviceRecognitionUnavailable Kind = "on_device_recognition_unavailable"
	KindAudioError                     Kind = "audio_error"
	KindRecognitionError               Kind = "recognition_error"
	KindNetworkError                   Kind = "network_error"
	KindTimeout                        Kind = "timeout"
	KindUnknown                        Kind = "unknown"
)

// ErrNoSpeech marks a capture session that ended without any speech. It is
// an expected outcome and never becomes an Error.
var ErrNoSpeech = errors.New("no speech detected")

// Error is one failure carried into the engine by an error transition.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	// Attempts is set on terminal errors reported after the retry budget ran out.
	Attempts int `json:"attempts,omitempty"`
	cause    error
}

// New builds an Error of kind with a human message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of kind that keeps err as its cause.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return New(kind, string(kind))
	}
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}

func (e *Error) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s: %s (after %d attempts)", e.Kind, e.Message, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsRecoverable reports whether the supervisor may retry after this error.
func (e *Error) IsRecoverable() bool {
	return Recoverable(e.Kind)
}

// WithAttempts returns a copy of e annotated with the spent retry count.
func (e *Error) WithAttempts(n int) *Error {
	cp := *e
	cp.Attempts = n
	return &cp
}

// Recoverable is the recoverability rule: permission, microphone, and
// recognizer absence are permanent; everything else is transient.
func Recoverable(kind Kind) bool {
	switch kind {
	case KindPermissionDenied, KindMicrophoneUnavailable, KindSpeechRecognitionUnavailable:
		return false
	default:
		return true
	}
}

// IsBenign reports whether err describes an expected end of capture that
// must not be routed through the error path.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNoSpeech)
}

// Classify maps an arbitrary error into the taxonomy. Errors that already
// are *Error pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		return Wrap(kindForCode(st.Code()), err)
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return Wrap(kindForClose(closeErr.Code), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, err)
		}
		return Wrap(KindNetworkError, err)
	}

	return Wrap(KindUnknown, err)
}

func kindForCode(code codes.Code) Kind {
	switch code {
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindPermissionDenied
	case codes.Unimplemented, codes.NotFound:
		return KindSpeechRecognitionUnavailable
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.Unavailable, codes.Canceled, codes.Aborted:
		return KindNetworkError
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.Internal, codes.DataLoss, codes.ResourceExhausted:
		return KindRecognitionError
	default:
		return KindUnknown
	}
}

func kindForClose(code int) Kind {
	switch code {
	case websocket.ClosePolicyViolation:
		return KindPermissionDenied
	case websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData, websocket.CloseInternalServerErr:
		return KindRecognitionError
	case websocket.CloseTryAgainLater, websocket.CloseServiceRestart, websocket.CloseGoingAway, websocket.CloseAbnormalClosure:
		return KindNetworkError
	default:
		return KindUnknown
	}
}
