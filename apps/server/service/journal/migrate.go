package journal

import (
	"context"

	"github.com/pitabwire/frame/datastore/pool"
)

// Migrate creates or updates the journal tables. It runs from the migration
// entry point before the server accepts work, never at request time.
func Migrate(ctx context.Context, p pool.Pool) error {
	if p == nil {
		return ErrDatabaseUnavailable
	}
	db := p.DB(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}
	return db.AutoMigrate(&JobRecord{}, &VerificationRecord{})
}
