package l4qualify

// Reason names why the current moment does not qualify for capture.
// Values are stable wire identifiers.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonSearching           Reason = "searching"
	ReasonNeedsLight          Reason = "needs_light"
	ReasonNoSubject           Reason = "no_subject"
	ReasonOnlyOneFace         Reason = "only_one_face"
	ReasonEntireFaceVisible   Reason = "ensure_entire_face_visible"
	ReasonLookStraight        Reason = "look_straight"
	ReasonEyesClosed          Reason = "eyes_closed"
	ReasonMoveCloser          Reason = "move_closer"
	ReasonMoveBack            Reason = "move_back"
	ReasonHoldStill           Reason = "hold_still"
	ReasonReduceGlare         Reason = "reduce_glare"
	ReasonTilted              Reason = "tilted"
	ReasonPoorImageQuality    Reason = "poor_image_quality"
	ReasonInsufficientSamples Reason = "insufficient_samples"
	ReasonDeviceUpright       Reason = "ensure_device_upright"
	ReasonLookLeft            Reason = "look_left"
	ReasonLookRight           Reason = "look_right"
	ReasonLookUp              Reason = "look_up"
	// ReasonUnknown stands in for identifiers this build does not know.
	ReasonUnknown Reason = "unknown"
)

var feedback = map[Reason]string{
	ReasonSearching:           "Looking for you",
	ReasonNeedsLight:          "Move to a well-lit area",
	ReasonNoSubject:           "Position your face in the frame",
	ReasonOnlyOneFace:         "Make sure only one face is in the frame",
	ReasonEntireFaceVisible:   "Make sure your entire face is visible",
	ReasonLookStraight:        "Look straight at the camera",
	ReasonEyesClosed:          "Keep your eyes open",
	ReasonMoveCloser:          "Move closer",
	ReasonMoveBack:            "Move back",
	ReasonHoldStill:           "Hold still",
	ReasonReduceGlare:         "Reduce glare",
	ReasonTilted:              "Keep it level",
	ReasonPoorImageQuality:    "Move to a well-lit area and clear your camera",
	ReasonInsufficientSamples: "Hold still",
	ReasonDeviceUpright:       "Keep your device upright",
	ReasonLookLeft:            "Turn your head to the left",
	ReasonLookRight:           "Turn your head to the right",
	ReasonLookUp:              "Tilt your head up",
	ReasonUnknown:             "Adjust your position",
}

// Feedback returns the user-facing instruction for r.
func (r Reason) Feedback() string {
	if r == ReasonNone {
		return ""
	}
	if s, ok := feedback[r]; ok {
		return s
	}
	return feedback[ReasonUnknown]
}

// Known reports whether r is one of the declared reasons.
func (r Reason) Known() bool {
	if r == ReasonNone {
		return true
	}
	_, ok := feedback[r]
	return ok
}

// ParseReason maps an identifier to a Reason, falling back to ReasonUnknown.
func ParseReason(s string) Reason {
	r := Reason(s)
	if !r.Known() {
		return ReasonUnknown
	}
	return r
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognised values
// decode as ReasonUnknown rather than failing.
func (r *Reason) UnmarshalText(b []byte) error {
	*r = ParseReason(string(b))
	return nil
}
