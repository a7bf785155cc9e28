package postgres

// PostgreSQL error codes
const (
	CodeUndefinedTable       = "42P01"
	CodeUndefinedColumn      = "42703"
	CodeUniqueViolation      = "23505"
	CodeForeignKeyViolation  = "23503"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeInvalidSavepoint     = "3B001"
)
