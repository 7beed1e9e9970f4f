package audio

import (
	"fmt"
	"time"
)

// TurnEndMode selects which signals clear the model speaking flag.
type TurnEndMode int

const (
	// TurnEndOnMarker clears the flag only on an explicit turn-complete marker.
	TurnEndOnMarker TurnEndMode = iota
	// TurnEndOnSilence clears the flag after no audio arrived for the silence timeout.
	TurnEndOnSilence
	// TurnEndOnMarkerOrSilence clears the flag on whichever comes first.
	TurnEndOnMarkerOrSilence
)

// String returns the config name of the mode.
func (m TurnEndMode) String() string {
	switch m {
	case TurnEndOnMarker:
		return "marker"
	case TurnEndOnSilence:
		return "silence"
	case TurnEndOnMarkerOrSilence:
		return "marker_or_silence"
	default:
		return "unknown"
	}
}

// TurnEndPolicy decides when the model has stopped speaking.
type TurnEndPolicy struct {
	Mode    TurnEndMode
	Silence time.Duration
}

// ParseTurnEndPolicy builds a policy from its config name.
func ParseTurnEndPolicy(name string, silence time.Duration) (TurnEndPolicy, error) {
	var mode TurnEndMode
	switch name {
	case "marker":
		mode = TurnEndOnMarker
	case "silence":
		mode = TurnEndOnSilence
	case "marker_or_silence", "":
		mode = TurnEndOnMarkerOrSilence
	default:
		return TurnEndPolicy{}, fmt.Errorf("unknown turn end policy %q", name)
	}
	p := TurnEndPolicy{Mode: mode, Silence: silence}
	if p.usesSilence() && silence <= 0 {
		return TurnEndPolicy{}, fmt.Errorf("turn end policy %q needs a positive silence timeout", name)
	}
	return p, nil
}

func (p TurnEndPolicy) usesMarker() bool {
	return p.Mode == TurnEndOnMarker || p.Mode == TurnEndOnMarkerOrSilence
}

func (p TurnEndPolicy) usesSilence() bool {
	return p.Mode == TurnEndOnSilence || p.Mode == TurnEndOnMarkerOrSilence
}
