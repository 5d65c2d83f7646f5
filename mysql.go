package gradius

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/mysql"
)

const mysqlDuplicateEntry = 1062

// NewMySQLDatabase connects to the MySQL instance shared with FreeRADIUS.
// The DSN must set parseTime=true.
func NewMySQLDatabase(dsn string) (Database, error) {
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, wrapPackageError("database.open", err)
	}
	return newDataOperations(db), nil
}

func isMySQLUniqueViolation(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
