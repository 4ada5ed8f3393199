// Package backend defines the capability contracts the lifecycle jobs
// converge against. Implementations live in subpackages (ldap, imap, dav,
// webmail); jobs receive them as explicit collaborators, never as ambient
// singletons, so tests can substitute doubles.
//
// Adapters follow a connect/operate/disconnect discipline per call:
// connections are not pooled or shared across concurrent jobs.
package backend

import (
	"context"
	"errors"

	"github.com/corvidmail/provisiond/internal/model"
)

// ErrNotFound reports that the object does not exist in the backend. It is
// distinguishable from operational failure; an existence probe returning
// ErrNotFound is an answer, not an error condition.
var ErrNotFound = errors.New("not found in backend")

// Directory is the LDAP directory surface.
type Directory interface {
	CreateDomain(ctx context.Context, domain *model.Domain) error
	UpdateDomain(ctx context.Context, domain *model.Domain) error
	DeleteDomain(ctx context.Context, domain *model.Domain) error

	CreateUser(ctx context.Context, user *model.User) error
	UpdateUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, user *model.User) error

	CreateGroup(ctx context.Context, group *model.Group) error
	UpdateGroup(ctx context.Context, group *model.Group) error
	DeleteGroup(ctx context.Context, group *model.Group) error
	// GetGroup probes for a group by address; ErrNotFound when absent.
	GetGroup(ctx context.Context, email string) (*DirectoryGroup, error)

	CreateResource(ctx context.Context, resource *model.Resource) error
	UpdateResource(ctx context.Context, resource *model.Resource) error
	DeleteResource(ctx context.Context, resource *model.Resource) error

	CreateSharedFolder(ctx context.Context, folder *model.SharedFolder) error
	UpdateSharedFolder(ctx context.Context, folder *model.SharedFolder) error
	DeleteSharedFolder(ctx context.Context, folder *model.SharedFolder) error
}

// DirectoryGroup is the directory's view of a group, as returned by GetGroup.
type DirectoryGroup struct {
	DN      string
	Email   string
	Members []string
}

// Mailbox is the IMAP mailbox surface.
type Mailbox interface {
	CreateUser(ctx context.Context, user *model.User) error
	UpdateUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, user *model.User) error
	// VerifyAccount is a read-only check that a user mailbox exists and is
	// fully provisioned, used when mailbox creation is driven externally.
	VerifyAccount(ctx context.Context, email string) (bool, error)

	CreateResource(ctx context.Context, resource *model.Resource) error
	UpdateResource(ctx context.Context, resource *model.Resource) error
	DeleteResource(ctx context.Context, resource *model.Resource) error

	CreateSharedFolder(ctx context.Context, folder *model.SharedFolder) error
	UpdateSharedFolder(ctx context.Context, folder *model.SharedFolder) error
	DeleteSharedFolder(ctx context.Context, folder *model.SharedFolder) error
	// VerifySharedFolder is a read-only check that a shared mailbox exists.
	VerifySharedFolder(ctx context.Context, name string) (bool, error)

	// ShareDefaultFolders grants the delegatee access to the owner's
	// default folders selected by the delegation options.
	ShareDefaultFolders(ctx context.Context, owner, delegatee *model.User, opts model.DelegationOptions) error
	// UnshareFolders removes the delegatee's access from all of the
	// owner's folders. Idempotent: absent ACL entries are a no-op.
	UnshareFolders(ctx context.Context, owner *model.User, delegateeEmail string) error
	// UnsubscribeSharedFolders drops the user's subscriptions to the
	// owner's shared folders. Idempotent.
	UnsubscribeSharedFolders(ctx context.Context, user *model.User, ownerEmail string) error
}

// DAV is the calendar/addressbook surface. It mirrors the delegation calls
// of Mailbox for DAV collections.
type DAV interface {
	// InitDefaultFolders provisions the user's default calendar and
	// addressbook collections.
	InitDefaultFolders(ctx context.Context, user *model.User) error

	ShareDefaultFolders(ctx context.Context, owner, delegatee *model.User, opts model.DelegationOptions) error
	UnshareFolders(ctx context.Context, owner *model.User, delegateeEmail string) error
	UnsubscribeSharedFolders(ctx context.Context, user *model.User, ownerEmail string) error
}

// Identity is the webmail mail-identity surface.
type Identity interface {
	// CreateDelegatedIdentities mirrors the owner's sending identities
	// onto the delegatee's webmail account.
	CreateDelegatedIdentities(ctx context.Context, delegatee, owner *model.User) error
	// ResetIdentities removes all non-default identities from the user's
	// webmail account.
	ResetIdentities(ctx context.Context, user *model.User) error
}
