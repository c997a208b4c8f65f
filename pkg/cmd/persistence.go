// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/persistence/file"
	"github.com/dukex/waypoint/pkg/persistence/postgresql"
)

// PersistenceProvider returns the backend named by the scheme of databaseURL.
// Anything that is not a postgres URL is a directory for the file backend.
func PersistenceProvider(databaseURL string) string {
	scheme, _, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgresql"
	default:
		return "file"
	}
}

// NewPersistence opens the ledger at databaseURL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	switch PersistenceProvider(databaseURL) {
	case "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgresql persistence: %w", err)
		}

		return p, nil
	default:
		root := strings.TrimPrefix(databaseURL, "file://")

		logger.InfoContext(ctx, "using file persistence", "path", root)

		return file.NewPersistence(root), nil
	}
}
