package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/corvidmail/provisiond/internal/bitmap"
	"github.com/corvidmail/provisiond/internal/model"
	"github.com/corvidmail/provisiond/internal/queue"
	"github.com/corvidmail/provisiond/internal/store"
)

// delegationCreateHandler provisions a delegation: webmail identities first,
// then IMAP folder sharing, then DAV collection sharing, then Active. Any
// backend failure retries the whole sequence; every step is idempotent so
// replays converge.
func (e *Env) delegationCreateHandler() queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) queue.Outcome {
		p, err := decode(raw)
		if err != nil {
			return queue.Abortf("delegation create: bad payload: %v", err)
		}

		delegation, err := e.Store.GetDelegation(ctx, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Done()
		}
		if err != nil {
			return queue.Failf("delegation create: load %d: %v", p.ID, err)
		}
		if delegation.IsActive() {
			return queue.Done()
		}

		owner, err := e.delegationUser(ctx, delegation.UserID)
		if err != nil {
			return queue.Failf("delegation create: load delegator: %v", err)
		}
		delegatee, err := e.delegationUser(ctx, delegation.DelegateeID)
		if err != nil {
			return queue.Failf("delegation create: load delegatee: %v", err)
		}
		if owner == nil || delegatee == nil {
			// A party disappeared while the job was queued; the delegation
			// row will follow.
			return queue.Done()
		}

		opts, err := delegation.Options()
		if err != nil {
			return queue.Abortf("delegation create: %v", err)
		}

		if e.Identity != nil {
			if err := e.Identity.CreateDelegatedIdentities(ctx, delegatee, owner); err != nil {
				return queue.Failf("delegation create: identities: %v", err)
			}
		}
		if e.WithIMAP {
			if err := e.Mailbox.ShareDefaultFolders(ctx, owner, delegatee, opts); err != nil {
				return queue.Failf("delegation create: mailbox sharing: %v", err)
			}
		}
		if e.DAV != nil {
			if err := e.DAV.ShareDefaultFolders(ctx, owner, delegatee, opts); err != nil {
				return queue.Failf("delegation create: dav sharing: %v", err)
			}
		}

		delegation.Status.Set(bitmap.Active)
		if err := e.Store.SaveDelegation(ctx, delegation); err != nil {
			return queue.Failf("delegation create: persist: %v", err)
		}
		return queue.Done()
	}
}

// delegationUser loads a live user, mapping not-found to nil.
func (e *Env) delegationUser(ctx context.Context, id int64) (*model.User, error) {
	user, err := e.Store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// delegationDeleteHandler tears a delegation back down, working from the
// address pair in the payload: by now the delegation row is gone and either
// user row may be trashed or purged. If an equivalent delegation has been
// recreated in the interim the teardown is moot and must not run.
func (e *Env) delegationDeleteHandler() queue.Handler {
	return func(ctx context.Context, raw json.RawMessage) queue.Outcome {
		var p DelegationDeletePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return queue.Abortf("delegation delete: bad payload: %v", err)
		}

		owner, err := e.userByEmail(ctx, p.UserEmail)
		if err != nil {
			return queue.Failf("delegation delete: load delegator: %v", err)
		}
		delegatee, err := e.userByEmail(ctx, p.DelegateeEmail)
		if err != nil {
			return queue.Failf("delegation delete: load delegatee: %v", err)
		}

		if owner != nil && delegatee != nil {
			_, err := e.Store.FindDelegation(ctx, owner.ID, delegatee.ID)
			if err == nil {
				return queue.Cancel()
			}
			if !errors.Is(err, store.ErrNotFound) {
				return queue.Failf("delegation delete: probe pair: %v", err)
			}
		}

		if delegatee != nil {
			if e.Identity != nil {
				if err := e.Identity.ResetIdentities(ctx, delegatee); err != nil {
					return queue.Failf("delegation delete: reset identities: %v", err)
				}
			}
			if e.WithIMAP {
				if err := e.Mailbox.UnsubscribeSharedFolders(ctx, delegatee, p.UserEmail); err != nil {
					return queue.Failf("delegation delete: mailbox unsubscribe: %v", err)
				}
			}
			if e.DAV != nil {
				if err := e.DAV.UnsubscribeSharedFolders(ctx, delegatee, p.UserEmail); err != nil {
					return queue.Failf("delegation delete: dav unsubscribe: %v", err)
				}
			}
		}

		if owner != nil {
			if e.WithIMAP {
				if err := e.Mailbox.UnshareFolders(ctx, owner, p.DelegateeEmail); err != nil {
					return queue.Failf("delegation delete: mailbox unshare: %v", err)
				}
			}
			if e.DAV != nil {
				if err := e.DAV.UnshareFolders(ctx, owner, p.DelegateeEmail); err != nil {
					return queue.Failf("delegation delete: dav unshare: %v", err)
				}
			}
		}
		return queue.Done()
	}
}

// userByEmail resolves an address including trashed rows, mapping not-found
// to nil.
func (e *Env) userByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := e.Store.GetUserByEmailAny(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
