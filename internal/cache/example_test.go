package cache_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/db"
	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// Example shows caching an expense recorded offline and reading it back.
func Example() {
	dir, _ := os.MkdirTemp("", "cache-example")
	defer os.RemoveAll(dir)

	database, err := db.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		fmt.Println("open:", err)
		return
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		fmt.Println("schema:", err)
		return
	}

	cfg := cache.DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	store := cache.New(database, cfg)
	ctx := context.Background()

	coffee := schema.Expense{ID: "e1", OwnerID: "u1", Item: "Coffee", Amount: 4.5}
	if err := store.Put(ctx, cache.NewEntry(schema.Wrap(coffee), schema.StatusPending)); err != nil {
		fmt.Println("put:", err)
		return
	}

	entries, _ := store.GetAll(ctx, "u1")
	for _, e := range entries {
		fmt.Printf("%s %s %s\n", e.Type(), e.ID(), e.SyncStatus)
	}

	stale, _ := store.IsStale(ctx, schema.TypeTask, 0)
	fmt.Println("tasks stale:", stale)

	// Output:
	// expense e1 pending
	// tasks stale: true
}
