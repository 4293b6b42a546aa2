package app

import "errors"

// Every failure a handler can see is one of these. Controller methods never
// let a raw transport or store error escape unclassified.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUsernameExists    = errors.New("username already exists")
	ErrEmailExists       = errors.New("email already exists")
	ErrInvalidCredential = errors.New("invalid username or password")

	// ErrNoIdentity: the caller has no signed-in identity; sending is refused
	// before anything else happens.
	ErrNoIdentity = errors.New("no signed-in identity")

	// ErrEmptyMessage: a submission with no text and no attachments. Rejected
	// before any network call, no state change.
	ErrEmptyMessage = errors.New("message has no text and no attachments")

	// ErrInvalidAttachment wraps attachment validation failures.
	ErrInvalidAttachment = errors.New("invalid attachment")

	// ErrConversationBusy: a send or delete attempted while the conversation
	// already has a request in flight. The existing stream is unaffected.
	ErrConversationBusy = errors.New("conversation already has a request in flight")

	ErrConversationNotFound = errors.New("conversation not found")

	// ErrAgentUnreachable covers network failure, non-2xx agent responses and
	// timeouts. The draft is discarded; the human message survives.
	ErrAgentUnreachable = errors.New("agent request failed")

	// ErrStreamProtocol: the agent sent something the client could not
	// interpret. Partial draft content is discarded, never committed.
	ErrStreamProtocol = errors.New("agent stream was malformed")

	// ErrStreamCancelled is the expected outcome of explicit cancellation or
	// a conversation switch. It is not surfaced to the user as a failure.
	ErrStreamCancelled = errors.New("stream cancelled")

	ErrMessageEnqueue = errors.New("message enqueue failed")
)
