package frontbase

import (
	"context"
	"fmt"
)

// Migrate brings the store schema up to date. It is safe to run repeatedly.
func (a *App) Migrate(ctx context.Context, _ *MigrateCommand) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", a.config.Store, err)
	}
	a.log.Info().Str("store", a.config.Store).Msg("schema up to date")
	return nil
}
