package gradius

import (
	"errors"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	"github.com/lib/pq"
)

const postgresUniqueViolation = pq.ErrorCode("23505")

func NewPostgresDatabase(connectionString string) (Database, error) {
	db, err := gorm.Open("postgres", connectionString)
	if err != nil {
		return nil, wrapPackageError("database.open", err)
	}
	return newDataOperations(db), nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == postgresUniqueViolation
}
