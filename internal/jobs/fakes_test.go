package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/corvidmail/provisiond/internal/backend"
	"github.com/corvidmail/provisiond/internal/jobs"
	"github.com/corvidmail/provisiond/internal/model"
	"github.com/corvidmail/provisiond/internal/queue"
	"github.com/corvidmail/provisiond/internal/store"
	"github.com/corvidmail/provisiond/internal/store/testutil"

	_ "github.com/corvidmail/provisiond/internal/store/sqlite"
)

// recorder counts backend calls by name and can inject one failure per name.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recorder) record(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	if err := r.fail[name]; err != nil {
		return err
	}
	return nil
}

func (r *recorder) failOn(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail == nil {
		r.fail = make(map[string]error)
	}
	r.fail[name] = err
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeDirectory struct {
	recorder
	// groupExists steers the GetGroup probe used by group reconciliation.
	groupExists bool
}

func (f *fakeDirectory) CreateDomain(ctx context.Context, d *model.Domain) error {
	return f.record("CreateDomain")
}
func (f *fakeDirectory) UpdateDomain(ctx context.Context, d *model.Domain) error {
	return f.record("UpdateDomain")
}
func (f *fakeDirectory) DeleteDomain(ctx context.Context, d *model.Domain) error {
	return f.record("DeleteDomain")
}
func (f *fakeDirectory) CreateUser(ctx context.Context, u *model.User) error {
	return f.record("CreateUser")
}
func (f *fakeDirectory) UpdateUser(ctx context.Context, u *model.User) error {
	return f.record("UpdateUser")
}
func (f *fakeDirectory) DeleteUser(ctx context.Context, u *model.User) error {
	return f.record("DeleteUser")
}
func (f *fakeDirectory) CreateGroup(ctx context.Context, g *model.Group) error {
	return f.record("CreateGroup")
}
func (f *fakeDirectory) UpdateGroup(ctx context.Context, g *model.Group) error {
	return f.record("UpdateGroup")
}
func (f *fakeDirectory) DeleteGroup(ctx context.Context, g *model.Group) error {
	return f.record("DeleteGroup")
}
func (f *fakeDirectory) GetGroup(ctx context.Context, email string) (*backend.DirectoryGroup, error) {
	if err := f.record("GetGroup"); err != nil {
		return nil, err
	}
	if !f.groupExists {
		return nil, backend.ErrNotFound
	}
	return &backend.DirectoryGroup{Email: email}, nil
}
func (f *fakeDirectory) CreateResource(ctx context.Context, r *model.Resource) error {
	return f.record("CreateResource")
}
func (f *fakeDirectory) UpdateResource(ctx context.Context, r *model.Resource) error {
	return f.record("UpdateResource")
}
func (f *fakeDirectory) DeleteResource(ctx context.Context, r *model.Resource) error {
	return f.record("DeleteResource")
}
func (f *fakeDirectory) CreateSharedFolder(ctx context.Context, sf *model.SharedFolder) error {
	return f.record("CreateSharedFolder")
}
func (f *fakeDirectory) UpdateSharedFolder(ctx context.Context, sf *model.SharedFolder) error {
	return f.record("UpdateSharedFolder")
}
func (f *fakeDirectory) DeleteSharedFolder(ctx context.Context, sf *model.SharedFolder) error {
	return f.record("DeleteSharedFolder")
}

type fakeMailbox struct {
	recorder
	// verifyResult steers the read-only existence probes.
	verifyResult bool
}

func (f *fakeMailbox) CreateUser(ctx context.Context, u *model.User) error {
	return f.record("CreateUser")
}
func (f *fakeMailbox) UpdateUser(ctx context.Context, u *model.User) error {
	return f.record("UpdateUser")
}
func (f *fakeMailbox) DeleteUser(ctx context.Context, u *model.User) error {
	return f.record("DeleteUser")
}
func (f *fakeMailbox) VerifyAccount(ctx context.Context, email string) (bool, error) {
	if err := f.record("VerifyAccount"); err != nil {
		return false, err
	}
	return f.verifyResult, nil
}
func (f *fakeMailbox) CreateResource(ctx context.Context, r *model.Resource) error {
	return f.record("CreateResource")
}
func (f *fakeMailbox) UpdateResource(ctx context.Context, r *model.Resource) error {
	return f.record("UpdateResource")
}
func (f *fakeMailbox) DeleteResource(ctx context.Context, r *model.Resource) error {
	return f.record("DeleteResource")
}
func (f *fakeMailbox) CreateSharedFolder(ctx context.Context, sf *model.SharedFolder) error {
	return f.record("CreateSharedFolder")
}
func (f *fakeMailbox) UpdateSharedFolder(ctx context.Context, sf *model.SharedFolder) error {
	return f.record("UpdateSharedFolder")
}
func (f *fakeMailbox) DeleteSharedFolder(ctx context.Context, sf *model.SharedFolder) error {
	return f.record("DeleteSharedFolder")
}
func (f *fakeMailbox) VerifySharedFolder(ctx context.Context, name string) (bool, error) {
	if err := f.record("VerifySharedFolder"); err != nil {
		return false, err
	}
	return f.verifyResult, nil
}
func (f *fakeMailbox) ShareDefaultFolders(ctx context.Context, owner, delegatee *model.User, opts model.DelegationOptions) error {
	return f.record("ShareDefaultFolders")
}
func (f *fakeMailbox) UnshareFolders(ctx context.Context, owner *model.User, delegateeEmail string) error {
	return f.record("UnshareFolders")
}
func (f *fakeMailbox) UnsubscribeSharedFolders(ctx context.Context, user *model.User, ownerEmail string) error {
	return f.record("UnsubscribeSharedFolders")
}

type fakeDAV struct {
	recorder
}

func (f *fakeDAV) InitDefaultFolders(ctx context.Context, u *model.User) error {
	return f.record("InitDefaultFolders")
}
func (f *fakeDAV) ShareDefaultFolders(ctx context.Context, owner, delegatee *model.User, opts model.DelegationOptions) error {
	return f.record("ShareDefaultFolders")
}
func (f *fakeDAV) UnshareFolders(ctx context.Context, owner *model.User, delegateeEmail string) error {
	return f.record("UnshareFolders")
}
func (f *fakeDAV) UnsubscribeSharedFolders(ctx context.Context, user *model.User, ownerEmail string) error {
	return f.record("UnsubscribeSharedFolders")
}

type fakeIdentity struct {
	recorder
}

func (f *fakeIdentity) CreateDelegatedIdentities(ctx context.Context, delegatee, owner *model.User) error {
	return f.record("CreateDelegatedIdentities")
}
func (f *fakeIdentity) ResetIdentities(ctx context.Context, u *model.User) error {
	return f.record("ResetIdentities")
}

type fakeDNS struct {
	exists bool
	err    error
}

func (f *fakeDNS) Exists(ctx context.Context, domain string) (bool, error) {
	return f.exists, f.err
}

// env bundles the fakes alongside the environment under test.
type env struct {
	*jobs.Env
	store     store.Store
	directory *fakeDirectory
	mailbox   *fakeMailbox
	dav       *fakeDAV
	identity  *fakeIdentity
	dns       *fakeDNS
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		store:     testutil.OpenStore(t, "sqlite"),
		directory: &fakeDirectory{},
		mailbox:   &fakeMailbox{verifyResult: true},
		dav:       &fakeDAV{},
		identity:  &fakeIdentity{},
		dns:       &fakeDNS{exists: true},
	}
	e.Env = jobs.NewEnv(jobs.Env{
		Store:     e.store,
		Directory: e.directory,
		Mailbox:   e.mailbox,
		DAV:       e.dav,
		Identity:  e.identity,
		DNS:       e.dns,
		WithLDAP:  true,
		WithIMAP:  true,
	})
	return e
}

// backendCalls is the total mutation+probe count across all fake backends.
func (e *env) backendCalls() int {
	return e.directory.total() + e.mailbox.total() + e.dav.total() +
		e.identity.total()
}

// run executes the handler for jobType with an id payload.
func (e *env) run(t *testing.T, jobType string, id int64) queue.Outcome {
	t.Helper()

	h := e.Handler(jobType)
	if h == nil {
		t.Fatalf("no handler for %s", jobType)
	}
	raw, err := json.Marshal(jobs.Payload{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	return h(context.Background(), raw)
}

func wantOutcome(t *testing.T, got queue.Outcome, want string) {
	t.Helper()
	if got.String() != want {
		t.Fatalf("outcome = %s (%v), want %s", got, got.Err(), want)
	}
}

var errBackend = errors.New("backend unreachable")
