package convo

import "errors"

// Sentinel errors surfaced by the store. NotFound is common for anonymous
// conversations that were already torn down; callers translate it into a soft
// "partner left" signal where possible instead of a hard failure.
var (
	ErrNotFound       = errors.New("convo: not found")
	ErrNotParticipant = errors.New("convo: not a participant")
	ErrNotReceiver    = errors.New("convo: not the request receiver")
	ErrAlreadyDecided = errors.New("convo: request already decided")
)
