package domain

import "net/http"

// RuntimeEnv is the opaque bag of process-level capabilities handed to
// provider tasks and send paths: a shared HTTP client, the working
// directory, and the linked-state store. The orchestration layer passes it
// through without inspecting it.
type RuntimeEnv struct {
	HTTPClient *http.Client
	WorkDir    string
	Links      LinkStore
}

// LinkStore persists linked/authenticated state for providers with a
// pairing flow. Clearing a link forces the next status read to report
// unauthenticated until a new link completes.
type LinkStore interface {
	// Linked reports whether the account is linked and, if known, the
	// linked identity. Accounts with no record default to linked=true so
	// credential-only providers need no pairing step.
	Linked(provider, accountID string) (bool, string, error)
	MarkLinked(provider, accountID, identity string) error
	ClearLink(provider, accountID string) error
}
