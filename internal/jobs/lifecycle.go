package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/corvidmail/provisiond/internal/backend"
	"github.com/corvidmail/provisiond/internal/bitmap"
	"github.com/corvidmail/provisiond/internal/model"
	"github.com/corvidmail/provisiond/internal/queue"
	"github.com/corvidmail/provisiond/internal/store"
)

func decode(raw json.RawMessage) (Payload, error) {
	var p Payload
	err := json.Unmarshal(raw, &p)
	return p, err
}

// createHandler provisions an entity into the backends and marks it Active.
//
// Check order: a missing row is a successful noop (the entity was purged
// while queued); a Deleted bit or a trashed row means create raced with
// delete and the create is logically invalid. Parented entities wait for
// their domain to become LDAP-ready by releasing, not by failing.
func (e *Env) createHandler(ops *entityOps) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) queue.Outcome {
		p, err := decode(raw)
		if err != nil {
			return queue.Abortf("%s create: bad payload: %v", ops.kind, err)
		}

		ent, err := ops.loadAny(ctx, e.Store, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Done()
		}
		if err != nil {
			return queue.Failf("%s create: load %d: %v", ops.kind, p.ID, err)
		}
		if ent.Bits().Has(bitmap.Deleted) {
			return queue.Abortf("%s create: %s is marked deleted", ops.kind, ent.Label())
		}
		if ent.Trashed() {
			return queue.Abortf("%s create: %s is trashed", ops.kind, ent.Label())
		}

		if ops.parented {
			if outcome, ok := e.gateOnDomain(ctx, ops, ent); !ok {
				return outcome
			}
		}

		if e.WithLDAP && !ent.Bits().Has(bitmap.LdapReady) {
			if err := ops.dirCreate(ctx, e.Directory, ent); err != nil {
				return queue.Failf("%s create: directory: %v", ops.kind, err)
			}
			ent.Bits().Set(bitmap.LdapReady)
			// Persist before the mailbox leg so a later failure does not
			// replay the directory mutation.
			if err := ops.save(ctx, e.Store, ent); err != nil {
				return queue.Failf("%s create: persist ldap-ready: %v", ops.kind, err)
			}
		}

		if ops.mailbox && !ent.Bits().Has(bitmap.ImapReady) {
			if e.WithIMAP {
				if err := ops.boxCreate(ctx, e.Mailbox, ent); err != nil {
					return queue.Failf("%s create: mailbox: %v", ops.kind, err)
				}
			} else {
				ok, err := ops.boxVerify(ctx, e.Mailbox, ent)
				if err != nil {
					return queue.Failf("%s create: mailbox probe: %v", ops.kind, err)
				}
				if !ok {
					return queue.Release(mailboxWait)
				}
			}
			ent.Bits().Set(bitmap.ImapReady)

			if user, ok := ent.(*model.User); ok && e.DAV != nil {
				// Best effort: a failed DAV bootstrap must not block the
				// account.
				if err := e.DAV.InitDefaultFolders(ctx, user); err != nil {
					e.Logger.Warn("dav folder bootstrap failed", "user", user.Email, "error", err)
				}
			}
		}

		ent.Bits().Set(bitmap.Active)
		if err := ops.save(ctx, e.Store, ent); err != nil {
			return queue.Failf("%s create: persist: %v", ops.kind, err)
		}
		return queue.Done()
	}
}

// gateOnDomain enforces the parent-domain ordering constraint. The second
// return value is false when the returned outcome ends the job.
func (e *Env) gateOnDomain(ctx context.Context, ops *entityOps, ent model.Entity) (queue.Outcome, bool) {
	namespace := ops.domainOf(ent)

	domain, err := e.Store.GetDomainByNamespace(ctx, namespace)
	if errors.Is(err, store.ErrNotFound) {
		return queue.Abortf("%s create: domain %s does not exist", ops.kind, namespace), false
	}
	if err != nil {
		return queue.Failf("%s create: load domain %s: %v", ops.kind, namespace, err), false
	}
	if domain.IsDeleted() {
		return queue.Abortf("%s create: domain %s is marked deleted", ops.kind, namespace), false
	}
	if e.WithLDAP && !domain.IsLdapReady() {
		return queue.Release(domainWait), false
	}
	return queue.Outcome{}, true
}

// updateHandler pushes entity changes into the backends. It never touches
// status bits except through the group reconcile; a stale update for a
// deleted entity is canceled, not failed.
func (e *Env) updateHandler(ops *entityOps) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) queue.Outcome {
		p, err := decode(raw)
		if err != nil {
			return queue.Abortf("%s update: bad payload: %v", ops.kind, err)
		}

		ent, err := ops.load(ctx, e.Store, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Done()
		}
		if err != nil {
			return queue.Failf("%s update: load %d: %v", ops.kind, p.ID, err)
		}
		if ent.Bits().Has(bitmap.Deleted) {
			return queue.Cancel()
		}

		ldapReady := e.WithLDAP && ent.Bits().Has(bitmap.LdapReady)

		if group, ok := ent.(*model.Group); ok {
			if !ldapReady {
				return queue.Cancel()
			}
			return e.reconcileGroup(ctx, group)
		}

		if !ops.mailbox && !ldapReady {
			// The directory is this kind's only backend; nothing to update.
			return queue.Cancel()
		}

		if ldapReady {
			if err := ops.dirUpdate(ctx, e.Directory, ent); err != nil {
				return queue.Failf("%s update: directory: %v", ops.kind, err)
			}
		}

		if ops.mailbox && e.WithIMAP && ent.Bits().Has(bitmap.ImapReady) {
			if err := ops.boxUpdate(ctx, e.Mailbox, ent); err != nil {
				return queue.Failf("%s update: mailbox: %v", ops.kind, err)
			}
		}
		return queue.Done()
	}
}

// reconcileGroup holds the suspension rule: a suspended group must be absent
// from the directory so it stops receiving mail. Exactly one directory
// mutation happens per run, chosen from the live directory state.
func (e *Env) reconcileGroup(ctx context.Context, group *model.Group) queue.Outcome {
	_, err := e.Directory.GetGroup(ctx, group.Email)
	exists := true
	if errors.Is(err, backend.ErrNotFound) {
		exists = false
	} else if err != nil {
		return queue.Failf("group update: probe %s: %v", group.Email, err)
	}

	switch {
	case group.IsSuspended() && exists:
		err = e.Directory.DeleteGroup(ctx, group)
	case group.IsSuspended() && !exists:
		// Converged.
	case !exists:
		err = e.Directory.CreateGroup(ctx, group)
	default:
		err = e.Directory.UpdateGroup(ctx, group)
	}
	if err != nil {
		return queue.Failf("group update: reconcile %s: %v", group.Email, err)
	}
	return queue.Done()
}

// deleteHandler removes an entity from the backends and raises the Deleted
// bit. It requires the row to be trashed first: the soft delete is the
// authorization for backend teardown. Each backend removal clears its
// readiness bit and the directory leg persists immediately, so a failure in
// the mailbox leg retries without replaying the directory removal.
func (e *Env) deleteHandler(ops *entityOps) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) queue.Outcome {
		p, err := decode(raw)
		if err != nil {
			return queue.Abortf("%s delete: bad payload: %v", ops.kind, err)
		}

		ent, err := ops.loadAny(ctx, e.Store, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Done()
		}
		if err != nil {
			return queue.Failf("%s delete: load %d: %v", ops.kind, p.ID, err)
		}
		if !ent.Trashed() {
			return queue.Abortf("%s delete: %s is not trashed", ops.kind, ent.Label())
		}
		if ent.Bits().Has(bitmap.Deleted) {
			return queue.Abortf("%s delete: %s already deleted", ops.kind, ent.Label())
		}

		if e.WithLDAP && ent.Bits().Has(bitmap.LdapReady) {
			if err := ops.dirDelete(ctx, e.Directory, ent); err != nil {
				return queue.Failf("%s delete: directory: %v", ops.kind, err)
			}
			ent.Bits().Clear(bitmap.LdapReady)
			if err := ops.save(ctx, e.Store, ent); err != nil {
				return queue.Failf("%s delete: persist ldap removal: %v", ops.kind, err)
			}
		}

		if ops.mailbox && ent.Bits().Has(bitmap.ImapReady) {
			if e.WithIMAP {
				if err := ops.boxDelete(ctx, e.Mailbox, ent); err != nil {
					return queue.Failf("%s delete: mailbox: %v", ops.kind, err)
				}
			}
			ent.Bits().Clear(bitmap.ImapReady)
		}

		ent.Bits().Set(bitmap.Deleted)
		if err := ops.save(ctx, e.Store, ent); err != nil {
			return queue.Failf("%s delete: persist: %v", ops.kind, err)
		}
		return queue.Done()
	}
}

// verifyDomainHandler confirms a domain exists in public DNS. Verification
// is fire-and-observe: a negative or failed probe changes nothing and the
// job completes; the caller re-invokes until the domain resolves.
func (e *Env) verifyDomainHandler() queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) queue.Outcome {
		p, err := decode(raw)
		if err != nil {
			return queue.Abortf("domain verify: bad payload: %v", err)
		}

		domain, err := e.Store.GetDomain(ctx, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Done()
		}
		if err != nil {
			return queue.Failf("domain verify: load %d: %v", p.ID, err)
		}
		if domain.IsVerified() {
			return queue.Done()
		}

		exists, err := e.DNS.Exists(ctx, domain.Namespace)
		if err != nil {
			e.Logger.Warn("domain verification probe failed",
				"domain", domain.Namespace, "error", err)
			return queue.Done()
		}
		if !exists {
			return queue.Done()
		}

		domain.Status.Set(bitmap.Verified)
		if err := e.Store.SaveDomain(ctx, domain); err != nil {
			return queue.Failf("domain verify: persist: %v", err)
		}
		return queue.Done()
	}
}

// verifyUserHandler observes externally-driven mailbox provisioning: once
// the account shows up in IMAP, the user is marked ready and active.
func (e *Env) verifyUserHandler() queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) queue.Outcome {
		p, err := decode(raw)
		if err != nil {
			return queue.Abortf("user verify: bad payload: %v", err)
		}

		user, err := e.Store.GetUser(ctx, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Done()
		}
		if err != nil {
			return queue.Failf("user verify: load %d: %v", p.ID, err)
		}
		if user.IsImapReady() {
			return queue.Done()
		}

		ok, err := e.Mailbox.VerifyAccount(ctx, user.Email)
		if err != nil {
			e.Logger.Warn("account verification probe failed",
				"user", user.Email, "error", err)
			return queue.Done()
		}
		if !ok {
			return queue.Done()
		}

		user.Status.Set(bitmap.ImapReady)
		user.Status.Set(bitmap.Active)
		if err := e.Store.SaveUser(ctx, user); err != nil {
			return queue.Failf("user verify: persist: %v", err)
		}
		return queue.Done()
	}
}

// verifyMailboxHandler observes shared mailbox existence for resources and
// shared folders, raising ImapReady and Active once the mailbox shows up.
func (e *Env) verifyMailboxHandler(ops *entityOps) queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) queue.Outcome {
		p, err := decode(raw)
		if err != nil {
			return queue.Abortf("%s verify: bad payload: %v", ops.kind, err)
		}

		ent, err := ops.load(ctx, e.Store, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Done()
		}
		if err != nil {
			return queue.Failf("%s verify: load %d: %v", ops.kind, p.ID, err)
		}
		if ent.Bits().Has(bitmap.ImapReady) {
			return queue.Done()
		}

		ok, err := ops.boxVerify(ctx, e.Mailbox, ent)
		if err != nil {
			e.Logger.Warn("mailbox verification probe failed",
				"kind", ops.kind, "entity", ent.Label(), "error", err)
			return queue.Done()
		}
		if !ok {
			return queue.Done()
		}

		ent.Bits().Set(bitmap.ImapReady)
		ent.Bits().Set(bitmap.Active)
		if err := ops.save(ctx, e.Store, ent); err != nil {
			return queue.Failf("%s verify: persist: %v", ops.kind, err)
		}
		return queue.Done()
	}
}
