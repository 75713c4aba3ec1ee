package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-stageflow/pkg/config"
)

// Creator funcs are package variables so tests can swap the drivers out.
var (
	sqlOpen = sql.Open

	NewSpannerRepositoryFactory = func(client *spanner.Client) Store {
		return &SpannerRepository{client: client}
	}

	mongoConnect = func(ctx context.Context, uri string) (*mongo.Client, error) {
		return mongo.Connect(ctx, options.Client().ApplyURI(uri))
	}
)

// NewRepository builds the Store selected by cfg.Type.
func NewRepository(ctx context.Context, cfg config.DbSettings) (Store, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client), nil
	case "mongo":
		client, err := mongoConnect(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewMongoRepository(client, client.Database(cfg.DBName)), nil
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
