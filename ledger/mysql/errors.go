package mysql

import "errors"

var (
	// ErrDBRequired indicates a nil database handle was provided.
	ErrDBRequired = errors.New("ledger mysql: db is required")
	// ErrInvalidEngine indicates an engine or charset name that cannot be
	// interpolated into DDL.
	ErrInvalidEngine = errors.New("ledger mysql: invalid engine or charset")
)
