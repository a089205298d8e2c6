package app

import "github.com/dkeye/Callbox/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickClient
)

// Policy decides what happens to a client whose send buffer is full.
// dropped counts the frames lost so far, this one included.
type Policy interface {
	OnBackpressure(cid core.ClientID, dropped int) BackpressureAction
}

// SimplePolicy drops frames until MaxDropped is reached, then kicks the
// client so it reconnects and resubscribes from fresh snapshots.
type SimplePolicy struct {
	MaxDropped int
}

func (p SimplePolicy) OnBackpressure(_ core.ClientID, dropped int) BackpressureAction {
	if dropped >= p.MaxDropped {
		return KickClient
	}
	return DropFrame
}
