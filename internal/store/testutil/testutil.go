// Package testutil provides store fixtures shared across test packages.
package testutil

import (
	"context"
	"testing"

	"github.com/corvidmail/provisiond/internal/bitmap"
	"github.com/corvidmail/provisiond/internal/model"
	"github.com/corvidmail/provisiond/internal/store"
)

// OpenStore creates and initializes a store in a test-scoped temp directory.
// The store is closed when the test finishes.
func OpenStore(t *testing.T, driver string) store.Store {
	t.Helper()

	s, err := store.New(&store.DriverConfig{
		Driver:  driver,
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedDomain persists a domain with the given status bits.
func SeedDomain(t *testing.T, s store.Store, namespace string, status bitmap.Mask) *model.Domain {
	t.Helper()

	domain := &model.Domain{Namespace: namespace, Type: "hosted", Status: status}
	if err := s.SaveDomain(context.Background(), domain); err != nil {
		t.Fatal(err)
	}
	return domain
}

// SeedUser persists a user with the given status bits.
func SeedUser(t *testing.T, s store.Store, email string, status bitmap.Mask) *model.User {
	t.Helper()

	user := &model.User{Email: email, Status: status}
	if err := user.SetPassword("simple123"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}
	return user
}
