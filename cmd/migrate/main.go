// migrate manages the postgres schema from the embedded migration set.
// Run: go run ./cmd/migrate [up|down|status]
package main

import (
	"context"
	"log"
	"os"

	"github.com/nicnocquee/dataqueue-sub002/internal/infrastructure/postgres"
)

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx := context.Background()
	var err error
	switch cmd {
	case "up":
		err = postgres.Migrate(ctx, dbURL)
	case "down":
		err = postgres.MigrateDown(ctx, dbURL)
	case "status":
		err = postgres.MigrationStatus(ctx, dbURL)
	default:
		log.Fatalf("unknown command %q (want up, down or status)", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}
