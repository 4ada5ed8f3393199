// Package webmail manages sending identities in a Roundcube-compatible
// webmail database. Delegation mirrors the owner's identity onto the
// delegatee's account so they can send as the owner; revocation strips every
// non-default identity back off.
package webmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/corvidmail/provisiond/internal/logutil"
	"github.com/corvidmail/provisiond/internal/model"
)

// Account is a webmail user row. Accounts are created lazily on first login;
// the adapter creates one when it needs to attach identities before that.
type Account struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	Username string `gorm:"size:191;uniqueIndex;not null"`
}

func (Account) TableName() string { return "users" }

// IdentityRow is one sending identity of a webmail account. Standard marks
// the account's own default identity, which is never touched.
type IdentityRow struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	UserID   int64  `gorm:"index;not null"`
	Standard bool   `gorm:"not null;default:false"`
	Name     string `gorm:"size:191"`
	Email    string `gorm:"size:191;not null"`
	Deleted  bool   `gorm:"not null;default:false"`
}

func (IdentityRow) TableName() string { return "identities" }

// Client implements backend.Identity.
type Client struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New wraps an existing webmail database handle.
func New(db *gorm.DB, logger *slog.Logger) (*Client, error) {
	if err := db.AutoMigrate(&Account{}, &IdentityRow{}); err != nil {
		return nil, fmt.Errorf("migrate webmail schema: %w", err)
	}
	return &Client{db: db, logger: logutil.NoopIfNil(logger)}, nil
}

// Open connects to the webmail database file and wraps it.
func Open(dataDir string, logger *slog.Logger) (*Client, error) {
	path := filepath.Join(dataDir, "webmail.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open webmail database: %w", err)
	}
	return New(db, logger)
}

// CreateDelegatedIdentities mirrors the owner's identity onto the
// delegatee's account. Running it twice adds nothing the second time.
func (c *Client) CreateDelegatedIdentities(ctx context.Context, delegatee, owner *model.User) error {
	account, err := c.ensureAccount(ctx, delegatee.Email)
	if err != nil {
		return err
	}

	var existing IdentityRow
	err = c.db.WithContext(ctx).
		Where("user_id = ? AND email = ? AND deleted = ?", account.ID, owner.Email, false).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("probe identity %s for %s: %w", owner.Email, delegatee.Email, err)
	}

	row := IdentityRow{
		UserID: account.ID,
		Name:   owner.Name,
		Email:  owner.Email,
	}
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create identity %s for %s: %w", owner.Email, delegatee.Email, err)
	}
	c.logger.Info("created delegated identity",
		"delegatee", delegatee.Email, "identity", owner.Email)
	return nil
}

// ResetIdentities soft-deletes every non-default identity of the user's
// account. A user without a webmail account is a no-op.
func (c *Client) ResetIdentities(ctx context.Context, user *model.User) error {
	var account Account
	err := c.db.WithContext(ctx).Where("username = ?", user.Email).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup webmail account %s: %w", user.Email, err)
	}

	res := c.db.WithContext(ctx).Model(&IdentityRow{}).
		Where("user_id = ? AND standard = ? AND deleted = ?", account.ID, false, false).
		Update("deleted", true)
	if res.Error != nil {
		return fmt.Errorf("reset identities of %s: %w", user.Email, res.Error)
	}
	if res.RowsAffected > 0 {
		c.logger.Info("reset delegated identities",
			"user", user.Email, "count", res.RowsAffected)
	}
	return nil
}

func (c *Client) ensureAccount(ctx context.Context, email string) (*Account, error) {
	var account Account
	err := c.db.WithContext(ctx).Where("username = ?", email).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup webmail account %s: %w", email, err)
	}

	account = Account{Username: email}
	if err := c.db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, fmt.Errorf("create webmail account %s: %w", email, err)
	}

	// The account's own default identity, as first login would create it.
	standard := IdentityRow{UserID: account.ID, Standard: true, Email: email}
	if err := c.db.WithContext(ctx).Create(&standard).Error; err != nil {
		return nil, fmt.Errorf("create default identity for %s: %w", email, err)
	}
	return &account, nil
}
