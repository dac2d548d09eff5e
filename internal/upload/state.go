package upload

// State is a step of the upload saga.
type State int

const (
	Received State = iota
	Uploading
	Uploaded
	Verifying
	Verified
	Persisting
	Persisted
	Compensating
	Compensated
	Failed
)

var stateNames = [...]string{
	Received:     "RECEIVED",
	Uploading:    "UPLOADING",
	Uploaded:     "UPLOADED",
	Verifying:    "VERIFYING",
	Verified:     "VERIFIED",
	Persisting:   "PERSISTING",
	Persisted:    "PERSISTED",
	Compensating: "COMPENSATING",
	Compensated:  "COMPENSATED",
	Failed:       "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether the saga stops in s.
func (s State) Terminal() bool {
	return s == Persisted || s == Compensated || s == Failed
}
