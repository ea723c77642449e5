package service

import "errors"

var (
	ErrIdentityMismatch  = errors.New("payload identity does not match the authenticated student")
	ErrExamNotFound      = errors.New("exam not found")
	ErrAlreadySubmitted  = errors.New("exam already submitted")
	ErrInvalidThresholds = errors.New("warning threshold must not exceed the auto-submit threshold")
)
