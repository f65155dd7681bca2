package service

import "errors"

// Domain errors shared across services. Handlers map these onto response
// error codes.
var (
	ErrNotFound                = errors.New("resource not found")
	ErrNotExamAuthor           = errors.New("not the author of this exam")
	ErrNoQuestions             = errors.New("exam has no questions")
	ErrExamNotDraft            = errors.New("exam status is not DRAFT")
	ErrExamNotAvailable        = errors.New("exam is not available")
	ErrAttemptAlreadyActive    = errors.New("an attempt is already active for this exam")
	ErrAttemptNotActive        = errors.New("no active attempt for this exam")
	ErrAttemptAlreadyFinalized = errors.New("attempt has already been submitted")
	ErrAttemptNotFinalized     = errors.New("attempt has not been finalized")
)
