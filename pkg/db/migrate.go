package db

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Statement is raw DDL applied after AutoMigrate. Dialects limits it to the
// named gorm dialects; empty means every dialect.
type Statement struct {
	Name     string
	Dialects []string
	SQL      string
}

func (s Statement) appliesTo(dialect string) bool {
	if len(s.Dialects) == 0 {
		return true
	}
	for _, d := range s.Dialects {
		if d == dialect {
			return true
		}
	}
	return false
}

// Migrate creates or alters the tables for models and then runs the extra
// statements that gorm tags cannot express (partial indexes, checks).
func Migrate(db *gorm.DB, models []any, statements ...Statement) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	dialect := db.Dialector.Name()
	for _, stmt := range statements {
		if !stmt.appliesTo(dialect) {
			continue
		}
		if err := db.Exec(stmt.SQL).Error; err != nil {
			return fmt.Errorf("migrate %s: %w", stmt.Name, err)
		}
		zap.L().Info("[DB] applied statement", zap.String("name", stmt.Name), zap.String("dialect", dialect))
	}

	return nil
}
