package jobs

import (
	"context"

	"github.com/corvidmail/provisiond/internal/backend"
	"github.com/corvidmail/provisiond/internal/model"
	"github.com/corvidmail/provisiond/internal/store"
)

// entityOps parameterizes the generic lifecycle handlers over one entity
// kind: how to load and save it, whether it lives inside a parent domain,
// whether it has a mailbox, and how each backend operates on it. The
// handlers hold the sequencing and status logic; the tables hold the
// dispatch.
type entityOps struct {
	kind string

	// parented entities require their domain to be LDAP-ready first.
	parented bool
	// mailbox entities get an IMAP leg in create/update/delete.
	mailbox bool

	load    func(ctx context.Context, s store.Store, id int64) (model.Entity, error)
	loadAny func(ctx context.Context, s store.Store, id int64) (model.Entity, error)
	save    func(ctx context.Context, s store.Store, ent model.Entity) error

	// domainOf returns the parent namespace; only set when parented.
	domainOf func(ent model.Entity) string

	dirCreate func(ctx context.Context, dir backend.Directory, ent model.Entity) error
	dirUpdate func(ctx context.Context, dir backend.Directory, ent model.Entity) error
	dirDelete func(ctx context.Context, dir backend.Directory, ent model.Entity) error

	boxCreate func(ctx context.Context, box backend.Mailbox, ent model.Entity) error
	boxUpdate func(ctx context.Context, box backend.Mailbox, ent model.Entity) error
	boxDelete func(ctx context.Context, box backend.Mailbox, ent model.Entity) error
	// boxVerify is the read-only existence probe used when mailbox
	// provisioning is driven externally (WithIMAP disabled).
	boxVerify func(ctx context.Context, box backend.Mailbox, ent model.Entity) (bool, error)
}

var domainOps = &entityOps{
	kind: "domain",
	load: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetDomain(ctx, id)
	},
	loadAny: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetDomainAny(ctx, id)
	},
	save: func(ctx context.Context, s store.Store, ent model.Entity) error {
		return s.SaveDomain(ctx, ent.(*model.Domain))
	},
	dirCreate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.CreateDomain(ctx, ent.(*model.Domain))
	},
	dirUpdate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.UpdateDomain(ctx, ent.(*model.Domain))
	},
	dirDelete: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.DeleteDomain(ctx, ent.(*model.Domain))
	},
}

var userOps = &entityOps{
	kind:     "user",
	parented: true,
	mailbox:  true,
	load: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetUser(ctx, id)
	},
	loadAny: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetUserAny(ctx, id)
	},
	save: func(ctx context.Context, s store.Store, ent model.Entity) error {
		return s.SaveUser(ctx, ent.(*model.User))
	},
	domainOf: func(ent model.Entity) string {
		return ent.(*model.User).Domainpart()
	},
	dirCreate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.CreateUser(ctx, ent.(*model.User))
	},
	dirUpdate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.UpdateUser(ctx, ent.(*model.User))
	},
	dirDelete: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.DeleteUser(ctx, ent.(*model.User))
	},
	boxCreate: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.CreateUser(ctx, ent.(*model.User))
	},
	boxUpdate: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.UpdateUser(ctx, ent.(*model.User))
	},
	boxDelete: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.DeleteUser(ctx, ent.(*model.User))
	},
	boxVerify: func(ctx context.Context, box backend.Mailbox, ent model.Entity) (bool, error) {
		return box.VerifyAccount(ctx, ent.(*model.User).Email)
	},
}

var groupOps = &entityOps{
	kind: "group",
	load: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetGroup(ctx, id)
	},
	loadAny: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetGroupAny(ctx, id)
	},
	save: func(ctx context.Context, s store.Store, ent model.Entity) error {
		return s.SaveGroup(ctx, ent.(*model.Group))
	},
	dirCreate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.CreateGroup(ctx, ent.(*model.Group))
	},
	// dirUpdate is unused: group updates go through the suspension-aware
	// three-way reconcile in the update handler.
	dirDelete: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.DeleteGroup(ctx, ent.(*model.Group))
	},
}

var resourceOps = &entityOps{
	kind:     "resource",
	parented: true,
	mailbox:  true,
	load: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetResource(ctx, id)
	},
	loadAny: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetResourceAny(ctx, id)
	},
	save: func(ctx context.Context, s store.Store, ent model.Entity) error {
		return s.SaveResource(ctx, ent.(*model.Resource))
	},
	domainOf: func(ent model.Entity) string {
		_, domain := model.SplitAddress(ent.(*model.Resource).Email)
		return domain
	},
	dirCreate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.CreateResource(ctx, ent.(*model.Resource))
	},
	dirUpdate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.UpdateResource(ctx, ent.(*model.Resource))
	},
	dirDelete: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.DeleteResource(ctx, ent.(*model.Resource))
	},
	boxCreate: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.CreateResource(ctx, ent.(*model.Resource))
	},
	boxUpdate: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.UpdateResource(ctx, ent.(*model.Resource))
	},
	boxDelete: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.DeleteResource(ctx, ent.(*model.Resource))
	},
	boxVerify: func(ctx context.Context, box backend.Mailbox, ent model.Entity) (bool, error) {
		return box.VerifySharedFolder(ctx, ent.(*model.Resource).Email)
	},
}

var folderOps = &entityOps{
	kind:     "sharedfolder",
	parented: true,
	mailbox:  true,
	load: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetSharedFolder(ctx, id)
	},
	loadAny: func(ctx context.Context, s store.Store, id int64) (model.Entity, error) {
		return s.GetSharedFolderAny(ctx, id)
	},
	save: func(ctx context.Context, s store.Store, ent model.Entity) error {
		return s.SaveSharedFolder(ctx, ent.(*model.SharedFolder))
	},
	domainOf: func(ent model.Entity) string {
		_, domain := model.SplitAddress(ent.(*model.SharedFolder).Email)
		return domain
	},
	dirCreate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.CreateSharedFolder(ctx, ent.(*model.SharedFolder))
	},
	dirUpdate: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.UpdateSharedFolder(ctx, ent.(*model.SharedFolder))
	},
	dirDelete: func(ctx context.Context, dir backend.Directory, ent model.Entity) error {
		return dir.DeleteSharedFolder(ctx, ent.(*model.SharedFolder))
	},
	boxCreate: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.CreateSharedFolder(ctx, ent.(*model.SharedFolder))
	},
	boxUpdate: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.UpdateSharedFolder(ctx, ent.(*model.SharedFolder))
	},
	boxDelete: func(ctx context.Context, box backend.Mailbox, ent model.Entity) error {
		return box.DeleteSharedFolder(ctx, ent.(*model.SharedFolder))
	},
	boxVerify: func(ctx context.Context, box backend.Mailbox, ent model.Entity) (bool, error) {
		return box.VerifySharedFolder(ctx, ent.(*model.SharedFolder).Email)
	},
}

var allOps = []*entityOps{domainOps, userOps, groupOps, resourceOps, folderOps}
