// Package model defines the persisted entities whose desired state the
// provisioning jobs converge the backends toward.
//
// Soft deletion ("trashed": the row carries a deleted-at timestamp) and the
// Deleted status bit are distinct facts. A mutation soft-deletes the row and
// enqueues a delete job; the bit is raised by that job only once backend
// cleanup has completed. Trashed-but-not-Deleted is the normal transient
// state while cleanup is pending.
package model

import (
	"strings"

	"gorm.io/gorm"

	"github.com/corvidmail/provisiond/internal/bitmap"
)

// Entity is the surface shared by every provisionable type. The lifecycle
// engine operates on this interface; the concrete types only differ in which
// status bits they carry and which backends they live in.
type Entity interface {
	// EntityID returns the durable identifier carried in job payloads.
	EntityID() int64

	// Label returns the human-readable identifier (email or namespace)
	// used in logs and error messages.
	Label() string

	// Bits exposes the status mask for in-place mutation. Jobs are the
	// only mutators of status.
	Bits() *bitmap.Mask

	// Trashed reports whether the row is soft-deleted in storage.
	Trashed() bool
}

// Domain is a mail namespace. Everything else is provisioned inside one.
type Domain struct {
	ID        int64  `gorm:"primaryKey"`
	Namespace string `gorm:"uniqueIndex;size:191"`
	Type      string `gorm:"size:16"` // public, hosted, external
	Status    bitmap.Mask
	CreatedAt int64          `gorm:"autoCreateTime"`
	UpdatedAt int64          `gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// DomainStatusAllowed is the set of bits a domain may carry.
const DomainStatusAllowed = bitmap.Mask(bitmap.New | bitmap.Active | bitmap.Suspended |
	bitmap.Deleted | bitmap.LdapReady | bitmap.Verified)

func (d *Domain) EntityID() int64   { return d.ID }
func (d *Domain) Label() string     { return d.Namespace }
func (d *Domain) Bits() *bitmap.Mask { return &d.Status }
func (d *Domain) Trashed() bool     { return d.DeletedAt.Valid }

func (d *Domain) IsNew() bool       { return d.Status.Has(bitmap.New) }
func (d *Domain) IsActive() bool    { return d.Status.Has(bitmap.Active) }
func (d *Domain) IsSuspended() bool { return d.Status.Has(bitmap.Suspended) }
func (d *Domain) IsDeleted() bool   { return d.Status.Has(bitmap.Deleted) }
func (d *Domain) IsLdapReady() bool { return d.Status.Has(bitmap.LdapReady) }
func (d *Domain) IsVerified() bool  { return d.Status.Has(bitmap.Verified) }

// User is a mailbox account.
type User struct {
	ID           int64  `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;size:191"`
	Name         string `gorm:"size:191"`
	PasswordHash string `gorm:"size:191"`
	Quota        int64  // mailbox quota in KiB, 0 means unlimited
	Status       bitmap.Mask
	CreatedAt    int64          `gorm:"autoCreateTime"`
	UpdatedAt    int64          `gorm:"autoUpdateTime"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// UserStatusAllowed is the set of bits a user may carry.
const UserStatusAllowed = bitmap.Mask(bitmap.New | bitmap.Active | bitmap.Suspended |
	bitmap.Deleted | bitmap.LdapReady | bitmap.ImapReady)

func (u *User) EntityID() int64    { return u.ID }
func (u *User) Label() string      { return u.Email }
func (u *User) Bits() *bitmap.Mask { return &u.Status }
func (u *User) Trashed() bool      { return u.DeletedAt.Valid }

func (u *User) IsNew() bool       { return u.Status.Has(bitmap.New) }
func (u *User) IsActive() bool    { return u.Status.Has(bitmap.Active) }
func (u *User) IsSuspended() bool { return u.Status.Has(bitmap.Suspended) }
func (u *User) IsDeleted() bool   { return u.Status.Has(bitmap.Deleted) }
func (u *User) IsLdapReady() bool { return u.Status.Has(bitmap.LdapReady) }
func (u *User) IsImapReady() bool { return u.Status.Has(bitmap.ImapReady) }

// Domainpart returns the domain part of the user's email address, empty if
// the address is malformed.
func (u *User) Domainpart() string {
	_, domain := SplitAddress(u.Email)
	return domain
}

// Group is a mail distribution group. Groups exist only in the directory;
// they have no mailbox and therefore no mailbox bits.
type Group struct {
	ID        int64  `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;size:191"`
	Name      string `gorm:"size:191"`
	Members   string `gorm:"type:text"` // JSON array of member addresses
	Status    bitmap.Mask
	CreatedAt int64          `gorm:"autoCreateTime"`
	UpdatedAt int64          `gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// GroupStatusAllowed is the set of bits a group may carry.
const GroupStatusAllowed = bitmap.Mask(bitmap.New | bitmap.Active | bitmap.Suspended |
	bitmap.Deleted | bitmap.LdapReady)

func (g *Group) EntityID() int64    { return g.ID }
func (g *Group) Label() string      { return g.Email }
func (g *Group) Bits() *bitmap.Mask { return &g.Status }
func (g *Group) Trashed() bool      { return g.DeletedAt.Valid }

func (g *Group) IsNew() bool       { return g.Status.Has(bitmap.New) }
func (g *Group) IsActive() bool    { return g.Status.Has(bitmap.Active) }
func (g *Group) IsSuspended() bool { return g.Status.Has(bitmap.Suspended) }
func (g *Group) IsDeleted() bool   { return g.Status.Has(bitmap.Deleted) }
func (g *Group) IsLdapReady() bool { return g.Status.Has(bitmap.LdapReady) }

// Resource is a bookable entity (room, equipment) backed by a shared mailbox.
type Resource struct {
	ID        int64  `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;size:191"`
	Name      string `gorm:"size:191"`
	DomainID  int64  `gorm:"index"`
	Status    bitmap.Mask
	CreatedAt int64          `gorm:"autoCreateTime"`
	UpdatedAt int64          `gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// ResourceStatusAllowed is the set of bits a resource may carry.
const ResourceStatusAllowed = bitmap.Mask(bitmap.New | bitmap.Active | bitmap.Suspended |
	bitmap.Deleted | bitmap.LdapReady | bitmap.ImapReady | bitmap.Verified)

func (r *Resource) EntityID() int64    { return r.ID }
func (r *Resource) Label() string      { return r.Email }
func (r *Resource) Bits() *bitmap.Mask { return &r.Status }
func (r *Resource) Trashed() bool      { return r.DeletedAt.Valid }

func (r *Resource) IsNew() bool       { return r.Status.Has(bitmap.New) }
func (r *Resource) IsActive() bool    { return r.Status.Has(bitmap.Active) }
func (r *Resource) IsDeleted() bool   { return r.Status.Has(bitmap.Deleted) }
func (r *Resource) IsLdapReady() bool { return r.Status.Has(bitmap.LdapReady) }
func (r *Resource) IsImapReady() bool { return r.Status.Has(bitmap.ImapReady) }
func (r *Resource) IsVerified() bool  { return r.Status.Has(bitmap.Verified) }

// SharedFolder is a shared mailbox folder (mail, calendar, addressbook...).
type SharedFolder struct {
	ID        int64  `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;size:191"`
	Name      string `gorm:"size:191"`
	Type      string `gorm:"size:16"` // mail, event, task, contact
	Acl       string `gorm:"type:text"` // JSON list of "<subject>, <right>" entries
	DomainID  int64  `gorm:"index"`
	Status    bitmap.Mask
	CreatedAt int64          `gorm:"autoCreateTime"`
	UpdatedAt int64          `gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// SharedFolderStatusAllowed is the set of bits a shared folder may carry.
const SharedFolderStatusAllowed = bitmap.Mask(bitmap.New | bitmap.Active | bitmap.Suspended |
	bitmap.Deleted | bitmap.LdapReady | bitmap.ImapReady)

func (f *SharedFolder) EntityID() int64    { return f.ID }
func (f *SharedFolder) Label() string      { return f.Email }
func (f *SharedFolder) Bits() *bitmap.Mask { return &f.Status }
func (f *SharedFolder) Trashed() bool      { return f.DeletedAt.Valid }

func (f *SharedFolder) IsNew() bool       { return f.Status.Has(bitmap.New) }
func (f *SharedFolder) IsActive() bool    { return f.Status.Has(bitmap.Active) }
func (f *SharedFolder) IsDeleted() bool   { return f.Status.Has(bitmap.Deleted) }
func (f *SharedFolder) IsLdapReady() bool { return f.Status.Has(bitmap.LdapReady) }
func (f *SharedFolder) IsImapReady() bool { return f.Status.Has(bitmap.ImapReady) }

// SplitAddress splits an email address into local part and domain. Both
// return values are empty when the address has no @.
func SplitAddress(email string) (local, domain string) {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return "", ""
	}
	return email[:i], email[i+1:]
}
