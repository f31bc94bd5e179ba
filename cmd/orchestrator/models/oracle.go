package models

// ConsultRequest asks the oracle one question about a working directory.
// Include narrows the file bundle with doublestar globs.
type ConsultRequest struct {
	Problem    string   `json:"problem" validate:"required"`
	WorkingDir string   `json:"workingDir" validate:"required"`
	Include    []string `json:"include"`
}

// ConsultResponse acknowledges an accepted consultation; progress and the
// answer stream over the event bus under the session id.
type ConsultResponse struct {
	SessionID string `json:"sessionId"`
}
