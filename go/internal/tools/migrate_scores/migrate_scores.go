package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/scoresync/go/internal/datalayer/pgstore"
	"github.com/mcdev12/scoresync/go/internal/dbconfig"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid database config: %v\n", err)
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Apply the embedded schema; every statement is idempotent
	if _, err := pool.Exec(ctx, pgstore.Schema); err != nil {
		fmt.Fprintf(os.Stderr, "apply schema: %v\n", err)
		os.Exit(1)
	}

	// 3) Report what is already replicated
	var records int
	var scores *string
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM data_items`).Scan(&records); err != nil {
		fmt.Fprintf(os.Stderr, "count records: %v\n", err)
		os.Exit(1)
	}
	err = pool.QueryRow(ctx, `SELECT fields::text FROM data_items WHERE path = '/scores'`).Scan(&scores)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		fmt.Fprintf(os.Stderr, "read scores: %v\n", err)
		os.Exit(1)
	}

	current := "absent"
	if scores != nil {
		current = *scores
	}
	fmt.Printf("Schema applied to %s: %d records, /scores %s\n", cfg.Database, records, current)
}
