package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/stores"
)

// ExampleSQLiteStore demonstrates caching a listing in SQLite.
func ExampleSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	key := engine.NewCacheKey("npm", engine.GlobalScope())
	if err := store.Set(ctx, key, []engine.Package{{Name: "typescript", Version: "5.4.5", Backend: "npm"}}); err != nil {
		log.Fatal(err)
	}

	entry, err := store.Get(ctx, key)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(entry.Key, entry.Packages[0].Name, entry.Packages[0].Version)
	// Output: npm:global typescript 5.4.5
}
