package frontbase

import (
	"context"
	"fmt"

	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/lifecycle"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/protocol"
	"github.com/frontbase/frontbase/pkg/session"
	"github.com/frontbase/frontbase/pkg/store"
)

// Bootstrap decides the initial server state. With an existing user the
// server is ready. Otherwise the user kind is seeded and the server either
// creates the configured admin or waits for a client to run setup.
func (a *App) Bootstrap(ctx context.Context) error {
	user, err := store.FindOne(ctx, a.store, constants.UserKind, nil)
	if err != nil {
		return fmt.Errorf("look for users: %w", err)
	}
	if user != nil {
		return a.lifecycle.Transition(lifecycle.Initialising, lifecycle.Ready)
	}

	if err := a.lifecycle.Transition(lifecycle.Initialising, lifecycle.Uninitialised); err != nil {
		return err
	}
	if err := a.seedUserKind(ctx); err != nil {
		return err
	}

	if !a.config.HasAdmin() {
		a.log.Warn().Msg("no users exist, waiting for setup from a client")
		return a.lifecycle.Transition(lifecycle.Uninitialised, lifecycle.Setup)
	}

	creds := protocol.Credentials{Username: a.config.AdminUsername, Password: a.config.AdminPassword}
	if _, err := session.CreateAdmin(ctx, a.store, a.hasher, creds, nil); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	a.log.Info().Str("username", creds.Username).Msg("admin created from configuration")
	return a.lifecycle.Transition(lifecycle.Uninitialised, lifecycle.Ready)
}

func (a *App) seedUserKind(ctx context.Context) error {
	existing, err := a.store.ResolveKind(ctx, constants.UserKind)
	if err != nil {
		return fmt.Errorf("resolve user kind: %w", err)
	}
	if existing != nil {
		return nil
	}
	kind := &models.Kind{
		Key:       constants.UserKind,
		KeyPlural: constants.UserKind + "s",
		Fields:    models.JSONMap{"label": "User", "labelPlural": "Users"},
	}
	if err := a.store.CreateKind(ctx, kind); err != nil {
		return fmt.Errorf("seed user kind: %w", err)
	}
	a.log.Info().Msg("seeded user kind")
	return nil
}
