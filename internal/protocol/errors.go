package protocol

import "errors"

// Framing and registration errors. Any framing error is fatal for the
// connection that produced it.
var (
	// ErrInvalidMagic indicates a header whose magic does not match the peer class.
	ErrInvalidMagic = errors.New("invalid frame magic")

	// ErrInvalidSize indicates a total size outside (HeaderSize, MaxFrameSize].
	ErrInvalidSize = errors.New("invalid frame size")

	// ErrInvalidMessageType indicates an unknown message type.
	ErrInvalidMessageType = errors.New("invalid message type")

	// ErrInvalidPadding indicates a padding size of 8 or more.
	ErrInvalidPadding = errors.New("invalid padding size")

	// ErrShortMessage indicates a body shorter than its fixed sub-header.
	ErrShortMessage = errors.New("message shorter than its header")

	// ErrRegistrationRejected indicates a registration reply with a non-zero error code.
	ErrRegistrationRejected = errors.New("registration rejected")
)

// IsFramingError reports whether err came from header validation.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrInvalidSize) ||
		errors.Is(err, ErrInvalidMessageType) ||
		errors.Is(err, ErrInvalidPadding)
}
