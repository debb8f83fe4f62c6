package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/surrealdb/surrealdb.go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	_ "modernc.org/sqlite"

	"github.com/BartekS5/indexsync/pkg/logger"
)

// ConnectSQL opens a database/sql pool for "sqlserver" or "sqlite".
func ConnectSQL(ctx context.Context, driver, connString string) (*sql.DB, error) {
	db, err := sql.Open(driver, connString)
	if err != nil {
		return nil, fmt.Errorf("error opening %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer; also keeps a :memory: database alive across calls
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to %s database (ping failed): %w", driver, err)
	}

	logger.Infof("Successfully connected to %s.", driver)
	return db, nil
}

func ConnectPostgres(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("error creating Postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error connecting to Postgres (ping failed): %w", err)
	}

	logger.Info("Successfully connected to Postgres.")
	return pool, nil
}

func ConnectMongo(ctx context.Context, connString string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(connString))
	if err != nil {
		return nil, fmt.Errorf("error creating MongoDB client: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		_ = client.Disconnect(disconnectCtx)

		return nil, fmt.Errorf("error connecting to MongoDB (ping failed): %w", err)
	}

	logger.Info("Successfully connected to MongoDB.")
	return client, nil
}

// SurrealOptions selects the namespace and database after sign-in. Empty
// credentials skip sign-in.
type SurrealOptions struct {
	Namespace string
	Database  string
	Username  string
	Password  string
}

func ConnectSurreal(ctx context.Context, url string, opts SurrealOptions) (*surrealdb.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := surrealdb.FromEndpointURLString(connectCtx, url)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SurrealDB: %w", err)
	}

	if opts.Username != "" {
		if _, err := db.SignIn(connectCtx, map[string]any{
			"user": opts.Username,
			"pass": opts.Password,
		}); err != nil {
			_ = db.Close(context.Background())
			return nil, fmt.Errorf("error signing in to SurrealDB: %w", err)
		}
	}

	if err := db.Use(connectCtx, opts.Namespace, opts.Database); err != nil {
		_ = db.Close(context.Background())
		return nil, fmt.Errorf("error selecting SurrealDB namespace %s/%s: %w", opts.Namespace, opts.Database, err)
	}

	logger.Infof("Successfully connected to SurrealDB (%s/%s).", opts.Namespace, opts.Database)
	return db, nil
}
