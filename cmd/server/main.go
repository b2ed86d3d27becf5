/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the card escrow server, and exposes the
  maintenance jobs (expiry sweep, retention cleanup, schema migration)
  as one-shot commands.

COMMANDS:
  serve     Run the HTTP API and the background expiry sweeper
  expire    Expire every due trade once and exit
  cleanup   Delete resolved chains older than the retention window
  migrate   Create or update the database schema

STARTUP SEQUENCE (serve):
  1. Load configuration (file, CARD_ESCROW_* env, flags)
  2. Configure structured logging
  3. Open the store selected by database.driver
  4. Create the trade service with metrics observer
  5. Start the expiry sweeper
  6. Start server with graceful shutdown

GLOBAL FLAGS:
  --config      YAML config file (optional)
  --db-driver   sqlite, postgres or memory
  --db          DSN or SQLite path; ":memory:" for an in-memory SQLite
  --log-level   debug, info, warn, error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper (in-flight sweep is cancelled)
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server serve --db=./data/escrow.db

  # Run against PostgreSQL
  ./server serve --db-driver=postgres --db=postgres://escrow@localhost/escrow

  # Preview a cleanup
  ./server cleanup --retention-days=30 --dry-run

SEE ALSO:
  - config/config.go: Configuration keys and env overrides
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
