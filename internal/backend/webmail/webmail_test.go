package webmail

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/corvidmail/provisiond/internal/model"
)

func testClient(t *testing.T) *Client {
	t.Helper()

	path := filepath.Join(t.TempDir(), "webmail.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCreateDelegatedIdentities(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	owner := &model.User{Email: "jack@kanarip.dev", Name: "Jack van Kanarip"}
	delegatee := &model.User{Email: "ned@kanarip.dev"}

	if err := c.CreateDelegatedIdentities(ctx, delegatee, owner); err != nil {
		t.Fatal(err)
	}
	// Second run adds nothing.
	if err := c.CreateDelegatedIdentities(ctx, delegatee, owner); err != nil {
		t.Fatal(err)
	}

	var rows []IdentityRow
	if err := c.db.Order("id").Find(&rows).Error; err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d identity rows, want 2 (default + delegated)", len(rows))
	}
	if !rows[0].Standard || rows[0].Email != "ned@kanarip.dev" {
		t.Errorf("default identity = %+v", rows[0])
	}
	if rows[1].Standard || rows[1].Email != "jack@kanarip.dev" || rows[1].Name != "Jack van Kanarip" {
		t.Errorf("delegated identity = %+v", rows[1])
	}
}

func TestResetIdentitiesKeepsDefault(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	owner := &model.User{Email: "jack@kanarip.dev"}
	delegatee := &model.User{Email: "ned@kanarip.dev"}
	if err := c.CreateDelegatedIdentities(ctx, delegatee, owner); err != nil {
		t.Fatal(err)
	}

	if err := c.ResetIdentities(ctx, delegatee); err != nil {
		t.Fatal(err)
	}

	var live []IdentityRow
	if err := c.db.Where("deleted = ?", false).Find(&live).Error; err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || !live[0].Standard {
		t.Errorf("live identities = %+v", live)
	}
}

func TestResetIdentitiesWithoutAccount(t *testing.T) {
	c := testClient(t)

	user := &model.User{Email: "nobody@kanarip.dev"}
	if err := c.ResetIdentities(context.Background(), user); err != nil {
		t.Errorf("reset without account: %v", err)
	}
}
