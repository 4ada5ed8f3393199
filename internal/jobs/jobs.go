// Package jobs implements the entity lifecycle jobs: create, update, delete
// and verify for every provisionable kind, plus delegation setup and
// teardown.
//
// Jobs are the only writers of entity status bits. They carry durable
// identifiers in their payloads, reload rows on every run and gate each
// backend mutation on the corresponding status bit, which makes every job
// safe to run twice: the second run sees the bits of the first and does
// nothing. That idempotence is the concurrency model; there is no mutual
// exclusion between jobs.
package jobs

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/corvidmail/provisiond/internal/backend"
	"github.com/corvidmail/provisiond/internal/logutil"
	"github.com/corvidmail/provisiond/internal/queue"
	"github.com/corvidmail/provisiond/internal/store"
)

// Job type names, registered with the dispatcher and carried in envelopes.
const (
	TypeDomainCreate = "domain.create"
	TypeDomainUpdate = "domain.update"
	TypeDomainDelete = "domain.delete"
	TypeDomainVerify = "domain.verify"

	TypeUserCreate = "user.create"
	TypeUserUpdate = "user.update"
	TypeUserDelete = "user.delete"
	TypeUserVerify = "user.verify"

	TypeGroupCreate = "group.create"
	TypeGroupUpdate = "group.update"
	TypeGroupDelete = "group.delete"

	TypeResourceCreate = "resource.create"
	TypeResourceUpdate = "resource.update"
	TypeResourceDelete = "resource.delete"
	TypeResourceVerify = "resource.verify"

	TypeFolderCreate = "sharedfolder.create"
	TypeFolderUpdate = "sharedfolder.update"
	TypeFolderDelete = "sharedfolder.delete"
	TypeFolderVerify = "sharedfolder.verify"

	TypeDelegationCreate = "delegation.create"
	TypeDelegationDelete = "delegation.delete"
)

// Retry budgets per operation class.
const (
	createTries     = 5
	updateTries     = 5
	deleteTries     = 5
	verifyTries     = 1
	delegationTries = 3
)

// Release delays. A create under a not-yet-ready parent domain waits longer
// than a mailbox existence probe, which is expected to converge quickly.
const (
	domainWait  = 60 * time.Second
	mailboxWait = 15 * time.Second
)

// Payload is the envelope payload of every entity job: the durable row id,
// nothing else. Rows are reloaded on every run.
type Payload struct {
	ID int64 `json:"id"`
}

// DelegationDeletePayload carries the address pair of a torn-down
// delegation. The delegation row is hard-deleted before the job runs, so the
// pair is the only durable handle on the backend state to clean up.
type DelegationDeletePayload struct {
	UserEmail      string `json:"user_email"`
	DelegateeEmail string `json:"delegatee_email"`
}

// DomainChecker answers domain existence for verification. Satisfied by
// dnsx.Checker.
type DomainChecker interface {
	Exists(ctx context.Context, domain string) (bool, error)
}

// Env bundles the collaborators the job handlers run against. Backends may
// be nil when the corresponding concern is not deployed; the WithLDAP and
// WithIMAP toggles gate whole branches.
type Env struct {
	Store     store.Store
	Directory backend.Directory
	Mailbox   backend.Mailbox
	DAV       backend.DAV
	Identity  backend.Identity
	DNS       DomainChecker

	WithLDAP bool
	WithIMAP bool

	Logger *slog.Logger
}

// NewEnv normalizes an Env for use.
func NewEnv(env Env) *Env {
	env.Logger = logutil.NoopIfNil(env.Logger)
	return &env
}

// Register wires every job type onto the dispatcher.
func (e *Env) Register(d *queue.Dispatcher) {
	for jobType, h := range e.handlers() {
		d.Handle(jobType, h)
	}
}

// Handler returns the handler for one job type, nil for unknown types.
func (e *Env) Handler(jobType string) queue.Handler {
	return e.handlers()[jobType]
}

func (e *Env) handlers() map[string]queue.Handler {
	m := make(map[string]queue.Handler)
	for _, ops := range allOps {
		m[ops.kind+".create"] = e.createHandler(ops)
		m[ops.kind+".update"] = e.updateHandler(ops)
		m[ops.kind+".delete"] = e.deleteHandler(ops)
	}

	m[TypeDomainVerify] = e.verifyDomainHandler()
	m[TypeUserVerify] = e.verifyUserHandler()
	m[TypeResourceVerify] = e.verifyMailboxHandler(resourceOps)
	m[TypeFolderVerify] = e.verifyMailboxHandler(folderOps)

	m[TypeDelegationCreate] = e.delegationCreateHandler()
	m[TypeDelegationDelete] = e.delegationDeleteHandler()
	return m
}

// TriesFor returns the retry budget for a job type.
func TriesFor(jobType string) int {
	switch {
	case strings.HasPrefix(jobType, "delegation."):
		return delegationTries
	case strings.HasSuffix(jobType, ".verify"):
		return verifyTries
	case strings.HasSuffix(jobType, ".update"):
		return updateTries
	case strings.HasSuffix(jobType, ".delete"):
		return deleteTries
	default:
		return createTries
	}
}

// Enqueue schedules an entity job by row id.
func Enqueue(ctx context.Context, d *queue.Dispatcher, jobType string, id int64) error {
	return d.Enqueue(ctx, jobType, Payload{ID: id}, TriesFor(jobType))
}

// EnqueueDelegationDelete schedules delegation teardown for an address pair.
func EnqueueDelegationDelete(ctx context.Context, d *queue.Dispatcher, userEmail, delegateeEmail string) error {
	payload := DelegationDeletePayload{UserEmail: userEmail, DelegateeEmail: delegateeEmail}
	return d.Enqueue(ctx, TypeDelegationDelete, payload, delegationTries)
}
