package player

import "errors"

// ErrUnsupported is returned by a DecoderFactory when the runtime cannot
// decode the stream at all.
var ErrUnsupported = errors.New("player: decoder unsupported")

// ErrorType is the decoder's coarse error family.
type ErrorType int

const (
	OtherError ErrorType = iota
	NetworkError
	MediaError
)

func (t ErrorType) String() string {
	switch t {
	case NetworkError:
		return "networkError"
	case MediaError:
		return "mediaError"
	default:
		return "otherError"
	}
}

// Error details reported by decoders.
const (
	DetailManifestLoadError    = "manifestLoadError"
	DetailManifestLoadTimeOut  = "manifestLoadTimeOut"
	DetailManifestParsingError = "manifestParsingError"
	DetailLevelLoadError       = "levelLoadError"
	DetailLevelLoadTimeOut     = "levelLoadTimeOut"
	DetailFragLoadError        = "fragLoadError"
	DetailFragLoadTimeOut      = "fragLoadTimeOut"
	DetailFragParsingError     = "fragParsingError"
	DetailBufferAppendError    = "bufferAppendError"
	DetailBufferStalledError   = "bufferStalledError"
	DetailBufferNudgeOnStall   = "bufferNudgeOnStall"
	DetailBufferSeekOverHole   = "bufferSeekOverHole"
	DetailInternalException    = "internalException"
)

// ErrorEvent is one error report from a decoder.
type ErrorEvent struct {
	Type         ErrorType
	Details      string
	Fatal        bool
	ResponseCode int  // HTTP status of the failed request, 0 if none
	Empty        bool // the request succeeded with an empty body
	Err          error
}

// EventKind enumerates decoder notifications.
type EventKind int

const (
	EventFragLoading EventKind = iota
	EventFragLoaded
	EventBufferAppended
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventFragLoading:
		return "fragLoading"
	case EventFragLoaded:
		return "fragLoaded"
	case EventBufferAppended:
		return "bufferAppended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a decoder notification. Error is set for EventError only.
type Event struct {
	Kind  EventKind
	Error *ErrorEvent
}

// Decoder is a segmented-stream engine driven by a Player. Implementations
// must be safe for concurrent use and must tolerate calls after Destroy.
type Decoder interface {
	LoadSource(url string)
	AttachMedia()
	MediaAttached() bool
	StartLoad()
	StopLoad()
	// RecoverMediaError resets the decode pipeline in place.
	RecoverMediaError() error
	Play() error
	// Buffered reports whether data ahead of the playhead is buffered.
	Buffered() bool
	Destroy()
}

// DecoderFactory builds a Decoder that reports to handle. It returns an error
// wrapping ErrUnsupported when decoding is impossible.
type DecoderFactory func(handle func(Event)) (Decoder, error)
