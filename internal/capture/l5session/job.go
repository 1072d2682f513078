package l5session

import (
	"maps"
	"strings"
)

// ActionResult is the outcome of one server-side check. Values the server
// adds later decode as ActionUnknown instead of failing the response.
type ActionResult int

const (
	ActionUnknown ActionResult = iota
	ActionPassed
	ActionCompleted
	ActionApproved
	ActionVerified
	ActionProvisionallyApproved
	ActionReturned
	ActionNotReturned
	ActionFailed
	ActionRejected
	ActionUnderReview
	ActionUnableToDetermine
	ActionNotApplicable
)

var actionNames = [...]string{
	ActionUnknown:               "Unknown",
	ActionPassed:                "Passed",
	ActionCompleted:             "Completed",
	ActionApproved:              "Approved",
	ActionVerified:              "Verified",
	ActionProvisionallyApproved: "Provisionally Approved",
	ActionReturned:              "Returned",
	ActionNotReturned:           "Not Returned",
	ActionFailed:                "Failed",
	ActionRejected:              "Rejected",
	ActionUnderReview:           "Under Review",
	ActionUnableToDetermine:     "Unable To Determine",
	ActionNotApplicable:         "Not Applicable",
}

func (a ActionResult) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return actionNames[ActionUnknown]
	}
	return actionNames[a]
}

// ParseActionResult accepts the server spelling, case-insensitively.
func ParseActionResult(s string) ActionResult {
	s = strings.TrimSpace(s)
	for i, name := range actionNames {
		if strings.EqualFold(name, s) {
			return ActionResult(i)
		}
	}
	return ActionUnknown
}

// MarshalText implements encoding.TextMarshaler.
func (a ActionResult) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ActionResult) UnmarshalText(b []byte) error {
	*a = ParseActionResult(string(b))
	return nil
}

// JobResponse is the part of the submission result the engine keeps.
type JobResponse struct {
	JobID      string                  `json:"SmileJobID"`
	ResultCode string                  `json:"ResultCode"`
	ResultText string                  `json:"ResultText"`
	Actions    map[string]ActionResult `json:"Actions,omitempty"`
}

func (r JobResponse) clone() JobResponse {
	r.Actions = maps.Clone(r.Actions)
	return r
}
