package newsletter

import "errors"

// Sentinel errors for the newsletter service layer.
var (
	ErrNotFound        = errors.New("newsletter not found")
	ErrNotDraft        = errors.New("newsletter is not a draft")
	ErrNotTerminal     = errors.New("newsletter send is still running")
	ErrAlreadySending  = errors.New("newsletter is already sending")
	ErrNotSending      = errors.New("newsletter is not sending")
	ErrInvalidSettings = errors.New("dispatch settings are invalid")
)
