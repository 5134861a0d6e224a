// Package media declares the narrow external-collaborator contract the
// dialog state machine drives for audio (spec §6 "Media engine"). The
// actual audio engine (platform-native codec/jitter-buffer/device layer)
// lives outside this module; callsm only ever holds this interface.
package media

import "context"

// Engine is the process-wide media engine collaborator. The call model
// guarantees at most one call across all accounts is in a media-critical
// window at a time (spec §5), so an implementation never needs to
// interleave createOffer/createAnswer from two different accounts.
type Engine interface {
	// Initialize prepares the engine (device acquisition, codec setup)
	// before the first call of a session.
	Initialize(ctx context.Context) error

	// CreateOffer returns a local SDP offer for a new outgoing call.
	CreateOffer(ctx context.Context) (sdp string, err error)

	// CreateAnswer returns a local SDP answer for remoteSDP, an incoming
	// call's offer.
	CreateAnswer(ctx context.Context, remoteSDP string) (sdp string, err error)

	// ApplyAnswer feeds back the remote SDP answer to an offer this engine
	// produced via CreateOffer.
	ApplyAnswer(ctx context.Context, remoteSDP string) error

	// SetHold locally mutes/unmutes the sent media direction and returns
	// the re-negotiated local SDP to send on the hold/resume re-INVITE.
	SetHold(ctx context.Context, hold bool) (sdp string, err error)

	// SetMuted mutes/unmutes the local microphone without affecting the
	// negotiated SDP direction.
	SetMuted(ctx context.Context, muted bool) error

	// Dispose releases engine resources at the end of a call.
	Dispose(ctx context.Context) error
}
