package ledger

import "errors"

var (
	ErrNotFound           = errors.New("transaction not found")
	ErrForbidden          = errors.New("transaction belongs to another user")
	ErrNotDeletable       = errors.New("completed transactions cannot be deleted")
	ErrInvalidInput       = errors.New("invalid transaction input")
	ErrUserRequired       = errors.New("user id is required")
	ErrRepositoryRequired = errors.New("transaction repository is required")
	ErrOutboxRequired     = errors.New("outbox store is required")
	ErrTransactorRequired = errors.New("transactor is required")
)
