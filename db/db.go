package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const connectTimeout = 10 * time.Second

// ExtractDBName parses the database name from the URI, defaulting to
// "debatenow".
func ExtractDBName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "debatenow"
	}
	if name := strings.TrimPrefix(u.Path, "/"); name != "" {
		return name
	}
	return "debatenow"
}

// ConnectMongoDB connects to uri and verifies the connection with a ping.
// An empty name selects the database named in the URI.
func ConnectMongoDB(ctx context.Context, uri, name string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if name == "" {
		name = ExtractDBName(uri)
	}
	log.Info().Str("database", name).Msg("Connected to MongoDB")
	return client, client.Database(name), nil
}
