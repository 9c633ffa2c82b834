package result

// NewResult returns a plain session.Result carrying the values a driver
// reported for one statement execution.
func NewResult(lastInsertId, rowsAffected int64) ResultImp {
	return NewResultImp(lastInsertId, rowsAffected)
}
