package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/resilience/pkg/state"
	"github.com/openfroyo/resilience/pkg/stores"
)

// ExampleOpenSQLiteBackend demonstrates creating and migrating a SQLite backend.
func ExampleOpenSQLiteBackend() {
	ctx := context.Background()
	backend, err := stores.OpenSQLiteBackend(ctx, stores.SQLiteConfig{
		Path: ":memory:", // Use in-memory database for example
	}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer backend.Close()

	fmt.Println("Backend initialized successfully")
	// Output: Backend initialized successfully
}

// ExampleMemoryBackend_SaveState demonstrates saving and reading back a state.
func ExampleMemoryBackend_SaveState() {
	ctx := context.Background()
	backend := stores.NewMemoryBackend()

	_ = backend.SaveState(ctx, "cache-1", &state.Entry{
		State:        state.Resource(state.ResourceActive),
		ResourceType: state.TypeCache,
		Timestamp:    time.Now(),
		Version:      1,
	})

	entry, _ := backend.LoadState(ctx, "cache-1")
	fmt.Println(entry.State)
	// Output: ResourceState.ACTIVE
}
