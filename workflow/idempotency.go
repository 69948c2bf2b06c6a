package workflow

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// isDuplicateKeyErr reports whether err is a MySQL duplicate-key violation
// (error 1062). Inserts keyed on caller-supplied ids use it to detect that a
// previous delivery already did the work.
func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
