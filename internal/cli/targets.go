package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/BartekS5/indexsync/internal/config"
	"github.com/BartekS5/indexsync/internal/etl"
	"github.com/BartekS5/indexsync/internal/store"
	"github.com/BartekS5/indexsync/pkg/database"
	"github.com/BartekS5/indexsync/pkg/logger"
)

// target is one downstream store with its own checkpoints.
type target struct {
	name        string
	sink        etl.Sink
	checkpoints etl.CheckpointStore
	isTransient func(error) bool
	close       func(ctx context.Context) error
}

func closeTargets(ctx context.Context, targets []target) {
	for _, t := range targets {
		if t.close == nil {
			continue
		}
		if err := t.close(ctx); err != nil {
			logger.Warnf("closing %s target: %v", t.name, err)
		}
	}
}

func dryRunTarget() target {
	return target{
		name:        "memory",
		sink:        etl.NewMemorySink(true),
		checkpoints: etl.NewMemoryCheckpoints(),
	}
}

// openTargets connects to the stores selected by which. A store that was
// asked for explicitly but is not configured is an error.
func openTargets(ctx context.Context, cfg *config.Config, which string) ([]target, error) {
	wantRelational := which == TargetRelational || which == TargetAll
	wantGraph := which == TargetGraph || which == TargetAll
	if !wantRelational && !wantGraph {
		return nil, fmt.Errorf("unknown target %q (want %s, %s or %s)", which, TargetRelational, TargetGraph, TargetAll)
	}
	if which == TargetRelational && !cfg.Relational.Enabled() {
		return nil, errors.New("relational target requested but SYNC_RELATIONAL_DRIVER is not set")
	}
	if which == TargetGraph && !cfg.Graph.Enabled() {
		return nil, errors.New("graph target requested but SYNC_GRAPH_BACKEND is not set")
	}

	var targets []target
	if wantRelational && cfg.Relational.Enabled() {
		t, err := openRelational(ctx, cfg.Relational)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	if wantGraph && cfg.Graph.Enabled() {
		t, err := openGraph(ctx, cfg)
		if err != nil {
			closeTargets(ctx, targets)
			return nil, err
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, errors.New("no targets configured: set SYNC_RELATIONAL_DRIVER and/or SYNC_GRAPH_BACKEND, or use --dry-run")
	}
	return targets, nil
}

func openRelational(ctx context.Context, rc config.RelationalConfig) (target, error) {
	if rc.Driver == config.DriverPostgres {
		pool, err := database.ConnectPostgres(ctx, rc.DSN)
		if err != nil {
			return target{}, err
		}
		s := store.NewPostgresStore(pool)
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return target{}, err
		}
		return target{
			name:        rc.Driver,
			sink:        s,
			checkpoints: s.Checkpoints(),
			isTransient: store.IsTransient,
			close:       func(context.Context) error { s.Close(); return nil },
		}, nil
	}

	dialect, err := store.DialectFor(rc.Driver)
	if err != nil {
		return target{}, err
	}
	db, err := database.ConnectSQL(ctx, rc.Driver, rc.DSN)
	if err != nil {
		return target{}, err
	}
	s := store.NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return target{}, err
	}
	return target{
		name:        rc.Driver,
		sink:        s,
		checkpoints: s.Checkpoints(),
		isTransient: store.IsTransient,
		close:       func(context.Context) error { return s.Close() },
	}, nil
}

func openGraph(ctx context.Context, cfg *config.Config) (target, error) {
	gc := cfg.Graph
	switch gc.Backend {
	case config.GraphSurreal:
		db, err := database.ConnectSurreal(ctx, gc.URL, database.SurrealOptions{
			Namespace: gc.Namespace,
			Database:  gc.Database,
			Username:  gc.Username,
			Password:  gc.Password,
		})
		if err != nil {
			return target{}, err
		}
		docs := store.NewSurrealStore(db)
		return target{
			name:        gc.Backend,
			sink:        store.NewGraphSink(docs, cfg.CacheTTL),
			checkpoints: docs.Checkpoints(),
			isTransient: store.IsTransient,
			close:       db.Close,
		}, nil
	case config.GraphMongo:
		client, err := database.ConnectMongo(ctx, gc.URL)
		if err != nil {
			return target{}, err
		}
		docs := store.NewMongoStore(client, gc.Database)
		return target{
			name:        gc.Backend,
			sink:        store.NewGraphSink(docs, cfg.CacheTTL),
			checkpoints: docs.Checkpoints(),
			isTransient: store.IsTransient,
			close:       docs.Close,
		}, nil
	default:
		return target{}, fmt.Errorf("unsupported graph backend %q", gc.Backend)
	}
}
