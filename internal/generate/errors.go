package generate

import (
	"errors"
	"fmt"

	"emberchat/internal/poll"
	"emberchat/internal/providers"
)

// Failure kinds for the charged pipelines. Access and balance failures happen
// before any debit; provider and timeout failures happen after and therefore
// carry a refund.
const (
	FailAccess   = "access"
	FailBalance  = "balance"
	FailProvider = "provider"
	FailTimeout  = "timeout"
)

// Fixed user-visible strings written into placeholders on terminal failures.
const (
	msgPrivateCharacter   = "This character is private."
	msgArchivedCharacter  = "This character has been archived and can no longer reply."
	msgModeratedCharacter = "This character is currently unavailable."
	msgNoCredits          = "You're out of credits. Top up to keep going."
	msgImageFailed        = "Sorry, I couldn't finish that picture. Please try again in a bit."
	msgImageUnclear       = "I wasn't sure what picture you wanted. Could you describe it for me?"
)

// PipelineError is the tagged failure result of a pipeline stage. UserMessage
// is what ends up in the placeholder; when empty, the caller falls back to a
// generic string.
type PipelineError struct {
	Kind        string
	UserMessage string
	Err         error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// providerFailure wraps a provider call error, lifting the provider's
// user-displayable message when one exists and tagging poll timeouts.
func providerFailure(err error) *PipelineError {
	var perr *providers.Error
	if errors.As(err, &perr) {
		return &PipelineError{Kind: FailProvider, UserMessage: perr.Message, Err: err}
	}
	if errors.Is(err, poll.ErrTimeout) {
		return &PipelineError{Kind: FailTimeout, Err: err}
	}
	return &PipelineError{Kind: FailProvider, Err: err}
}
