// Package engine is the composition root: it wires the connection store,
// the event bus and the session managers together and owns their shutdown
// order. Request handlers receive the Engine rather than reaching for
// ambient globals.
package engine

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hostbridge/hostbridge/backend/internal/config"
	"github.com/hostbridge/hostbridge/backend/internal/connstore"
	"github.com/hostbridge/hostbridge/backend/internal/events"
	"github.com/hostbridge/hostbridge/backend/internal/files"
	"github.com/hostbridge/hostbridge/backend/internal/remote"
	"github.com/hostbridge/hostbridge/backend/internal/terminal"
)

// Engine bundles the long-lived managers behind one construct/shutdown
// lifecycle.
type Engine struct {
	Store     *connstore.Store
	Bus       *events.Bus
	Terminals *terminal.Manager
	Files     *files.Manager

	log zerolog.Logger
}

// New builds the engine from configuration. The store watcher starts here
// so externally edited connection files are picked up.
func New(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	store, err := connstore.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	bus := events.NewBus()
	dialer := &remote.Dialer{Resolve: store.Get}

	terminals := terminal.NewManager(store, dialer, bus, logger, cfg.OutputRingBytes)
	fileMgr := files.NewManager(store, dialer, bus, logger, cfg.TempDir)

	// Deleting a connection purges every piece of live state keyed by it:
	// terminal sessions, the file session, cache entries and cursors.
	store.OnDelete(func(connectionID string) {
		terminals.DisconnectConnection(connectionID)
		fileMgr.PurgeConnection(connectionID)
	})

	// An external edit can remove connections without going through Delete;
	// purge live state for any id that no longer resolves.
	store.OnChange(func() {
		for _, info := range terminals.List() {
			if _, err := store.Get(info.ConnectionID); err != nil {
				terminals.DisconnectConnection(info.ConnectionID)
			}
		}
		for _, id := range fileMgr.ConnectionIDs() {
			if _, err := store.Get(id); err != nil {
				fileMgr.PurgeConnection(id)
			}
		}
	})

	if err := store.Watch(); err != nil {
		logger.Warn().Err(err).Msg("store watcher unavailable, external edits will not be picked up")
	}

	return &Engine{
		Store:     store,
		Bus:       bus,
		Terminals: terminals,
		Files:     fileMgr,
		log:       logger,
	}, nil
}

// Shutdown closes every terminal shell, every file session and all cached
// state. Leaving a remote handle open past shutdown is a bug.
func (e *Engine) Shutdown() {
	e.Terminals.Shutdown()
	e.Files.Shutdown()
	e.Bus.Close()
	if err := e.Store.Close(); err != nil {
		e.log.Warn().Err(err).Msg("store close failed")
	}
}
