// Package store provides persistence for provisioned entities and the
// driver abstraction the daemon selects a backend through.
package store

import (
	"context"
	"errors"

	"github.com/corvidmail/provisiond/internal/model"
)

// Common errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store closed")
)

// Store is the full persistence surface the jobs operate on.
// Implementations must be safe for concurrent use.
//
// Every entity lookup comes in two variants: the plain Get excludes
// soft-deleted rows; GetAny includes them. Delete jobs work on trashed rows
// and must use the Any variants.
type Store interface {
	// Init initializes the driver (create tables, run migrations).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name.
	Name() string

	DomainStore
	UserStore
	GroupStore
	ResourceStore
	SharedFolderStore
	DelegationStore
}

// DomainStore defines domain persistence.
type DomainStore interface {
	GetDomain(ctx context.Context, id int64) (*model.Domain, error)
	GetDomainAny(ctx context.Context, id int64) (*model.Domain, error)
	GetDomainByNamespace(ctx context.Context, namespace string) (*model.Domain, error)
	SaveDomain(ctx context.Context, domain *model.Domain) error
	DeleteDomain(ctx context.Context, id int64) error // soft delete
}

// UserStore defines user persistence.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserAny(ctx context.Context, id int64) (*model.User, error)
	// GetUserByEmailAny resolves a user by address including trashed rows;
	// delegation cleanup runs off email pairs whose rows may be half-gone.
	GetUserByEmailAny(ctx context.Context, email string) (*model.User, error)
	SaveUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, id int64) error
}

// GroupStore defines group persistence.
type GroupStore interface {
	GetGroup(ctx context.Context, id int64) (*model.Group, error)
	GetGroupAny(ctx context.Context, id int64) (*model.Group, error)
	SaveGroup(ctx context.Context, group *model.Group) error
	DeleteGroup(ctx context.Context, id int64) error
}

// ResourceStore defines resource persistence.
type ResourceStore interface {
	GetResource(ctx context.Context, id int64) (*model.Resource, error)
	GetResourceAny(ctx context.Context, id int64) (*model.Resource, error)
	SaveResource(ctx context.Context, resource *model.Resource) error
	DeleteResource(ctx context.Context, id int64) error
}

// SharedFolderStore defines shared folder persistence.
type SharedFolderStore interface {
	GetSharedFolder(ctx context.Context, id int64) (*model.SharedFolder, error)
	GetSharedFolderAny(ctx context.Context, id int64) (*model.SharedFolder, error)
	SaveSharedFolder(ctx context.Context, folder *model.SharedFolder) error
	DeleteSharedFolder(ctx context.Context, id int64) error
}

// DelegationStore defines delegation persistence. Delegations are
// hard-deleted; their backend cleanup is driven by the email pair carried in
// the job payload, not by the row.
type DelegationStore interface {
	GetDelegation(ctx context.Context, id int64) (*model.Delegation, error)
	// FindDelegation returns the delegation for a (delegator, delegatee)
	// user id pair, or ErrNotFound.
	FindDelegation(ctx context.Context, userID, delegateeID int64) (*model.Delegation, error)
	SaveDelegation(ctx context.Context, delegation *model.Delegation) error
	DeleteDelegation(ctx context.Context, id int64) error
}
