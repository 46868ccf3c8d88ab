// Package auth defines the authentication and authorization collaborators
// consumed by the session gateway and room registry.
package auth

// Identity is the resolved result of a verified bearer credential.
type Identity struct {
	UserID string
	Role   string
}

// Verifier resolves a bearer token to a user identity. Token issuance is
// external to this system.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

// Action names an operation checked against a document.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Authorizer answers whether a user may perform an action on a document.
type Authorizer interface {
	Authorize(userID, documentID string, action Action) bool
}

// AllowAll is an Authorizer that grants every request. Intended for tests
// and single-tenant deployments.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(string, string, Action) bool { return true }

// StaticAuthorizer grants access from a fixed user -> documents table.
type StaticAuthorizer struct {
	// Grants maps userID to the set of documents it can access. A nil
	// inner map denies everything for that user.
	Grants map[string]map[string]bool
}

// Authorize implements Authorizer.
func (a *StaticAuthorizer) Authorize(userID, documentID string, _ Action) bool {
	docs, ok := a.Grants[userID]
	if !ok {
		return false
	}
	return docs[documentID]
}
