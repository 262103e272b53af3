package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Connect opens the production database and migrates the schema.
func Connect(dsn string) (*gorm.DB, error) {
	// TranslateError maps driver unique-constraint failures onto
	// gorm.ErrDuplicatedKey, which InsertMessage relies on.
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&MessageRecord{}, &UserRecord{})
}
