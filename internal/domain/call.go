package domain

type CallID string

func (id CallID) String() string { return string(id) }

// Description is a session description as stored in a call record.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one connectivity candidate as stored in a candidate
// sub-collection. Field names follow RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Side names the participant that produced a candidate.
type Side string

const (
	SideCaller Side = "caller"
	SideCallee Side = "callee"
)

// Opposite returns the side whose candidates this side consumes.
func (s Side) Opposite() Side {
	if s == SideCaller {
		return SideCallee
	}
	return SideCaller
}
