package callsm

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// direction values the hold/resume re-INVITE flips between (spec §4.5).
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

// mediaDirection reads the first audio media block's direction attribute
// out of a raw SDP body, defaulting to sendrecv when none is present - the
// same fallback arzzra/soft_phone's SDPBuilder.extractDirection uses. Only
// the direction attribute is inspected; the core never round-trips a full
// session description through a builder (non-goal: no codec negotiation).
func mediaDirection(raw []byte) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return "", fmt.Errorf("callsm: parse sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, attr := range m.Attributes {
			switch attr.Key {
			case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
				return attr.Key, nil
			}
		}
	}
	return dirSendRecv, nil
}

// flipDirectionForHold returns the direction the local side should request
// when placing (hold=true) or releasing (hold=false) a hold. The media
// engine's SetHold only takes a bool, so it has no way to guarantee the
// exact a= attribute it returns matches this; setHold rewrites the engine's
// answer with this value before sending the re-INVITE.
func flipDirectionForHold(hold bool) string {
	if hold {
		return dirSendOnly
	}
	return dirSendRecv
}

// rewriteDirection replaces the direction attribute of every audio media
// block in raw with dir, overriding whatever the external media engine
// produced. Engine.SetHold only takes a hold bool; it cannot know the exact
// RFC 3264 mirrored attribute a re-INVITE answer must carry, so the dialog
// enforces it here instead of trusting the engine's own SDP verbatim.
func rewriteDirection(raw []byte, dir string) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("callsm: parse sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		kept := m.Attributes[:0]
		for _, attr := range m.Attributes {
			switch attr.Key {
			case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
				continue
			}
			kept = append(kept, attr)
		}
		m.Attributes = append(kept, sdp.Attribute{Key: dir})
	}
	return desc.Marshal()
}

// remoteHoldDirection reports whether a remotely-initiated re-INVITE is
// putting the call on hold, by inspecting the incoming SDP's direction
// attribute (spec §4.5 "remote hold is detected by inspecting the incoming
// SDP a= direction attribute").
func remoteHoldDirection(dir string) bool {
	return dir == dirSendOnly || dir == dirInactive
}

// mirrorDirection returns the direction to answer with for a given
// attribute seen in a remote offer (sendonly -> recvonly and vice versa,
// sendrecv/inactive pass through unchanged). handleReInvite uses this to
// rewrite the engine's answer SDP per RFC 3264's offer/answer direction
// rules.
func mirrorDirection(remote string) string {
	switch remote {
	case dirSendOnly:
		return dirRecvOnly
	case dirRecvOnly:
		return dirSendOnly
	default:
		return remote
	}
}
