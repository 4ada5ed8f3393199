// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/corvidmail/provisiond/internal/model"
	"github.com/corvidmail/provisiond/internal/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// Driver implements the store.Store interface using SQLite via GORM.
type Driver struct {
	dataDir string
	db      *gorm.DB
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}

	return &Driver{
		dataDir: cfg.DataDir,
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Init initializes the SQLite database and runs AutoMigrate.
func (d *Driver) Init(ctx context.Context) error {
	dbPath := filepath.Join(d.dataDir, "provisiond.db")

	// Workers write concurrently; the busy timeout queues writers instead
	// of surfacing SQLITE_BUSY.
	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	d.db = db

	if err := db.AutoMigrate(
		&model.Domain{},
		&model.User{},
		&model.Group{},
		&model.Resource{},
		&model.SharedFolder{},
		&model.Delegation{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

// Domain store

func (d *Driver) GetDomain(ctx context.Context, id int64) (*model.Domain, error) {
	var domain model.Domain
	if err := d.db.WithContext(ctx).First(&domain, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &domain, nil
}

func (d *Driver) GetDomainAny(ctx context.Context, id int64) (*model.Domain, error) {
	var domain model.Domain
	if err := d.db.WithContext(ctx).Unscoped().First(&domain, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &domain, nil
}

func (d *Driver) GetDomainByNamespace(ctx context.Context, namespace string) (*model.Domain, error) {
	var domain model.Domain
	if err := d.db.WithContext(ctx).First(&domain, "namespace = ?", namespace).Error; err != nil {
		return nil, mapErr(err)
	}
	return &domain, nil
}

func (d *Driver) SaveDomain(ctx context.Context, domain *model.Domain) error {
	if err := domain.Status.Validate(model.DomainStatusAllowed); err != nil {
		return fmt.Errorf("domain %s: %w", domain.Namespace, err)
	}
	// Unscoped: delete jobs persist status on trashed rows.
	return d.db.WithContext(ctx).Unscoped().Save(domain).Error
}

func (d *Driver) DeleteDomain(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Delete(&model.Domain{}, id).Error
}

// User store

func (d *Driver) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	if err := d.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &user, nil
}

func (d *Driver) GetUserAny(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	if err := d.db.WithContext(ctx).Unscoped().First(&user, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &user, nil
}

func (d *Driver) GetUserByEmailAny(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := d.db.WithContext(ctx).Unscoped().First(&user, "email = ?", email).Error; err != nil {
		return nil, mapErr(err)
	}
	return &user, nil
}

func (d *Driver) SaveUser(ctx context.Context, user *model.User) error {
	if err := user.Status.Validate(model.UserStatusAllowed); err != nil {
		return fmt.Errorf("user %s: %w", user.Email, err)
	}
	return d.db.WithContext(ctx).Unscoped().Save(user).Error
}

func (d *Driver) DeleteUser(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Delete(&model.User{}, id).Error
}

// Group store

func (d *Driver) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	var group model.Group
	if err := d.db.WithContext(ctx).First(&group, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &group, nil
}

func (d *Driver) GetGroupAny(ctx context.Context, id int64) (*model.Group, error) {
	var group model.Group
	if err := d.db.WithContext(ctx).Unscoped().First(&group, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &group, nil
}

func (d *Driver) SaveGroup(ctx context.Context, group *model.Group) error {
	if err := group.Status.Validate(model.GroupStatusAllowed); err != nil {
		return fmt.Errorf("group %s: %w", group.Email, err)
	}
	return d.db.WithContext(ctx).Unscoped().Save(group).Error
}

func (d *Driver) DeleteGroup(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Delete(&model.Group{}, id).Error
}

// Resource store

func (d *Driver) GetResource(ctx context.Context, id int64) (*model.Resource, error) {
	var resource model.Resource
	if err := d.db.WithContext(ctx).First(&resource, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &resource, nil
}

func (d *Driver) GetResourceAny(ctx context.Context, id int64) (*model.Resource, error) {
	var resource model.Resource
	if err := d.db.WithContext(ctx).Unscoped().First(&resource, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &resource, nil
}

func (d *Driver) SaveResource(ctx context.Context, resource *model.Resource) error {
	if err := resource.Status.Validate(model.ResourceStatusAllowed); err != nil {
		return fmt.Errorf("resource %s: %w", resource.Email, err)
	}
	return d.db.WithContext(ctx).Unscoped().Save(resource).Error
}

func (d *Driver) DeleteResource(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Delete(&model.Resource{}, id).Error
}

// SharedFolder store

func (d *Driver) GetSharedFolder(ctx context.Context, id int64) (*model.SharedFolder, error) {
	var folder model.SharedFolder
	if err := d.db.WithContext(ctx).First(&folder, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &folder, nil
}

func (d *Driver) GetSharedFolderAny(ctx context.Context, id int64) (*model.SharedFolder, error) {
	var folder model.SharedFolder
	if err := d.db.WithContext(ctx).Unscoped().First(&folder, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &folder, nil
}

func (d *Driver) SaveSharedFolder(ctx context.Context, folder *model.SharedFolder) error {
	if err := folder.Status.Validate(model.SharedFolderStatusAllowed); err != nil {
		return fmt.Errorf("shared folder %s: %w", folder.Email, err)
	}
	return d.db.WithContext(ctx).Unscoped().Save(folder).Error
}

func (d *Driver) DeleteSharedFolder(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Delete(&model.SharedFolder{}, id).Error
}

// Delegation store

func (d *Driver) GetDelegation(ctx context.Context, id int64) (*model.Delegation, error) {
	var delegation model.Delegation
	if err := d.db.WithContext(ctx).First(&delegation, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &delegation, nil
}

func (d *Driver) FindDelegation(ctx context.Context, userID, delegateeID int64) (*model.Delegation, error) {
	var delegation model.Delegation
	err := d.db.WithContext(ctx).
		First(&delegation, "user_id = ? AND delegatee_id = ?", userID, delegateeID).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &delegation, nil
}

func (d *Driver) SaveDelegation(ctx context.Context, delegation *model.Delegation) error {
	if err := delegation.Status.Validate(model.DelegationStatusAllowed); err != nil {
		return fmt.Errorf("delegation %d: %w", delegation.ID, err)
	}
	return d.db.WithContext(ctx).Save(delegation).Error
}

func (d *Driver) DeleteDelegation(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Delete(&model.Delegation{}, id).Error
}
