package player

import "time"

// Kind is the closed set of error classes the player distinguishes.
type Kind int

const (
	KindIgnored Kind = iota
	KindBufferStall
	KindSeekOverHole
	KindFragmentServer
	KindManifestEmpty
	KindManifestUnavailable
	KindManifestServer
	KindLevelTimeout
	KindNetworkFatal
	KindMediaFatal
	KindMediaAppendFatal
	KindUnrecoverable
)

var kindNames = map[Kind]string{
	KindIgnored:             "ignored",
	KindBufferStall:         "buffer_stall",
	KindSeekOverHole:        "seek_over_hole",
	KindFragmentServer:      "fragment_server",
	KindManifestEmpty:       "manifest_empty",
	KindManifestUnavailable: "manifest_unavailable",
	KindManifestServer:      "manifest_server",
	KindLevelTimeout:        "level_timeout",
	KindNetworkFatal:        "network_fatal",
	KindMediaFatal:          "media_fatal",
	KindMediaAppendFatal:    "media_append_fatal",
	KindUnrecoverable:       "unrecoverable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Classify maps a decoder error report to its Kind.
func Classify(e ErrorEvent) Kind {
	serverError := e.ResponseCode >= 500
	switch {
	case !e.Fatal && (e.Details == DetailBufferStalledError || e.Details == DetailBufferNudgeOnStall):
		return KindBufferStall
	case !e.Fatal && e.Details == DetailBufferSeekOverHole:
		return KindSeekOverHole
	case !e.Fatal && e.Details == DetailFragLoadError && serverError:
		return KindFragmentServer
	case e.Fatal && (e.Details == DetailManifestLoadError || e.Details == DetailLevelLoadError) && e.Empty:
		return KindManifestEmpty
	case e.Fatal && (e.Details == DetailManifestLoadError || e.Details == DetailLevelLoadError) && e.ResponseCode == 503:
		return KindManifestUnavailable
	case e.Fatal && (e.Details == DetailManifestLoadError || e.Details == DetailLevelLoadError) && serverError:
		return KindManifestServer
	case !e.Fatal && e.Details == DetailLevelLoadTimeOut && !serverError:
		return KindLevelTimeout
	case e.Fatal && e.Type == NetworkError:
		return KindNetworkFatal
	case e.Fatal && e.Type == MediaError && e.Details == DetailBufferAppendError:
		return KindMediaAppendFatal
	case e.Fatal && e.Type == MediaError:
		return KindMediaFatal
	case e.Fatal:
		return KindUnrecoverable
	default:
		return KindIgnored
	}
}

// Action is what the player does about an error.
type Action int

const (
	ActionNone Action = iota
	// ActionResume plays if data is buffered, else resumes loading.
	ActionResume
	ActionStartLoad
	// ActionReload reloads the source if no media is attached, else resumes loading.
	ActionReload
	ActionNetworkRetry
	ActionRecoverMedia
	ActionRecoverAppend
	ActionTerminal
)

// Policy is the recovery for one Kind.
type Policy struct {
	Action  Action
	Delay   time.Duration
	Fatal   bool
	Message string // shown while recovering; empty means silent
}

// Default retry delays.
const (
	FragmentRetryDelay       = time.Second
	ManifestEmptyDelay       = 5 * time.Second
	ManifestUnavailableDelay = 3 * time.Second
	ManifestServerDelay      = 1500 * time.Millisecond
)

// DefaultNetworkRetryDelays are the waits before the first and second retry
// of a fatal network error. A third failure is terminal.
var DefaultNetworkRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second}

const (
	msgConnectionLost = "Connection lost. Retrying…"
	msgUnavailable    = "Stream unavailable. Retrying…"
	msgInterrupted    = "Stream interrupted. Retrying…"
	msgRecovering     = "Video error. Recovering…"
)

var policies = map[Kind]Policy{
	KindIgnored:             {Action: ActionNone},
	KindBufferStall:         {Action: ActionResume},
	KindSeekOverHole:        {Action: ActionStartLoad},
	KindFragmentServer:      {Action: ActionStartLoad, Delay: FragmentRetryDelay, Message: msgInterrupted},
	KindManifestEmpty:       {Action: ActionReload, Delay: ManifestEmptyDelay, Fatal: true, Message: msgUnavailable},
	KindManifestUnavailable: {Action: ActionReload, Delay: ManifestUnavailableDelay, Fatal: true, Message: msgUnavailable},
	KindManifestServer:      {Action: ActionReload, Delay: ManifestServerDelay, Fatal: true, Message: msgUnavailable},
	KindLevelTimeout:        {Action: ActionStartLoad},
	KindNetworkFatal:        {Action: ActionNetworkRetry, Fatal: true, Message: msgConnectionLost},
	KindMediaFatal:          {Action: ActionRecoverMedia, Fatal: true, Message: msgRecovering},
	KindMediaAppendFatal:    {Action: ActionRecoverAppend, Fatal: true, Message: msgRecovering},
	KindUnrecoverable:       {Action: ActionTerminal, Fatal: true},
}

// Recovery returns the policy for k.
func Recovery(k Kind) Policy {
	if p, ok := policies[k]; ok {
		return p
	}
	return policies[KindUnrecoverable]
}
