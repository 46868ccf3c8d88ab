package models

import "encoding/json"

// ChangeSubmission is a client-submitted patch against a known document
// version. The patch payload is opaque to the engine; the configured
// applier interprets it.
type ChangeSubmission struct {
	DocumentID  string          `json:"document_id"`
	BaseVersion int64           `json:"base_version"`
	Patch       json.RawMessage `json:"patch"`
	SubmitterID string          `json:"submitter_id"`
	// ConnectionID identifies the originating socket so broadcasts can
	// skip echoing the change back to the submitter.
	ConnectionID string `json:"-"`
}
