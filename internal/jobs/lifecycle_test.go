package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/corvidmail/provisiond/internal/bitmap"
	"github.com/corvidmail/provisiond/internal/jobs"
	"github.com/corvidmail/provisiond/internal/model"
	"github.com/corvidmail/provisiond/internal/store/testutil"
)

// readyDomain is a domain that create jobs inside it can proceed under.
const readyDomain = bitmap.Mask(bitmap.Active | bitmap.LdapReady)

func TestUserCreateProvisionsAllBackends(t *testing.T) {
	e := newEnv(t)
	testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.New))

	wantOutcome(t, e.run(t, jobs.TypeUserCreate, user.ID), "done")

	got, err := e.store.GetUser(context.Background(), user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsLdapReady() || !got.IsImapReady() || !got.IsActive() {
		t.Errorf("status = %s", got.Status)
	}
	if e.directory.count("CreateUser") != 1 {
		t.Errorf("directory CreateUser calls = %d", e.directory.count("CreateUser"))
	}
	if e.mailbox.count("CreateUser") != 1 {
		t.Errorf("mailbox CreateUser calls = %d", e.mailbox.count("CreateUser"))
	}
	if e.dav.count("InitDefaultFolders") != 1 {
		t.Errorf("dav InitDefaultFolders calls = %d", e.dav.count("InitDefaultFolders"))
	}
}

func TestUserCreateTwiceMakesNoExtraBackendCalls(t *testing.T) {
	e := newEnv(t)
	testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.New))

	wantOutcome(t, e.run(t, jobs.TypeUserCreate, user.ID), "done")
	calls := e.backendCalls()

	wantOutcome(t, e.run(t, jobs.TypeUserCreate, user.ID), "done")
	if got := e.backendCalls(); got != calls {
		t.Errorf("second run made %d extra backend calls", got-calls)
	}
}

func TestCreateWaitsForDomainLdapReady(t *testing.T) {
	e := newEnv(t)
	testutil.SeedDomain(t, e.store, "kanarip.dev", bitmap.Mask(bitmap.New))
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.New))

	outcome := e.run(t, jobs.TypeUserCreate, user.ID)
	wantOutcome(t, outcome, "released")
	if outcome.Delay() != 60*time.Second {
		t.Errorf("release delay = %s, want 1m0s", outcome.Delay())
	}

	got, err := e.store.GetUser(context.Background(), user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != bitmap.Mask(bitmap.New) {
		t.Errorf("status changed to %s", got.Status)
	}
	if e.backendCalls() != 0 {
		t.Errorf("made %d backend calls while waiting", e.backendCalls())
	}
}

func TestCreateUnderMissingDomainAborts(t *testing.T) {
	e := newEnv(t)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.New))

	wantOutcome(t, e.run(t, jobs.TypeUserCreate, user.ID), "aborted")
}

func TestCreateUnderDeletedDomainAborts(t *testing.T) {
	e := newEnv(t)
	testutil.SeedDomain(t, e.store, "kanarip.dev", bitmap.Mask(bitmap.Deleted))
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.New))

	wantOutcome(t, e.run(t, jobs.TypeUserCreate, user.ID), "aborted")
}

func TestCreateMissingRowIsNoop(t *testing.T) {
	e := newEnv(t)
	wantOutcome(t, e.run(t, jobs.TypeUserCreate, 4242), "done")
}

func TestCreateTrashedRowAborts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.New))
	if err := e.store.DeleteUser(ctx, user.ID); err != nil {
		t.Fatal(err)
	}

	wantOutcome(t, e.run(t, jobs.TypeUserCreate, user.ID), "aborted")
	if e.backendCalls() != 0 {
		t.Errorf("made %d backend calls", e.backendCalls())
	}
}

// Create after a completed delete must not resurrect the entity.
func TestCreateAfterDeleteAborts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev",
		bitmap.Mask(bitmap.Active|bitmap.LdapReady|bitmap.ImapReady))

	if err := e.store.DeleteUser(ctx, user.ID); err != nil {
		t.Fatal(err)
	}
	wantOutcome(t, e.run(t, jobs.TypeUserDelete, user.ID), "done")
	wantOutcome(t, e.run(t, jobs.TypeUserCreate, user.ID), "aborted")
}

func TestFolderCreateExternalMailboxNotReadyReleases(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.WithIMAP = false
	e.mailbox.verifyResult = false

	dom := testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)
	folder := &model.SharedFolder{
		Email: "projects@kanarip.dev", Name: "Projects", Type: "mail",
		DomainID: dom.ID, Status: bitmap.Mask(bitmap.New),
	}
	if err := e.store.SaveSharedFolder(ctx, folder); err != nil {
		t.Fatal(err)
	}

	outcome := e.run(t, jobs.TypeFolderCreate, folder.ID)
	wantOutcome(t, outcome, "released")
	if outcome.Delay() != 15*time.Second {
		t.Errorf("release delay = %s, want 15s", outcome.Delay())
	}

	got, err := e.store.GetSharedFolder(ctx, folder.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsImapReady() || got.IsActive() {
		t.Errorf("status = %s", got.Status)
	}
}

func TestFolderCreateExternalMailboxVerified(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.WithIMAP = false

	dom := testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)
	folder := &model.SharedFolder{
		Email: "projects@kanarip.dev", Name: "Projects", Type: "mail",
		DomainID: dom.ID, Status: bitmap.Mask(bitmap.New),
	}
	if err := e.store.SaveSharedFolder(ctx, folder); err != nil {
		t.Fatal(err)
	}

	wantOutcome(t, e.run(t, jobs.TypeFolderCreate, folder.ID), "done")

	got, err := e.store.GetSharedFolder(ctx, folder.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsImapReady() || !got.IsActive() || !got.IsLdapReady() {
		t.Errorf("status = %s", got.Status)
	}
	if e.mailbox.count("CreateSharedFolder") != 0 {
		t.Error("mailbox was mutated despite external provisioning")
	}
}

func TestDomainCreate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	dom := testutil.SeedDomain(t, e.store, "kanarip.dev", bitmap.Mask(bitmap.New))

	wantOutcome(t, e.run(t, jobs.TypeDomainCreate, dom.ID), "done")

	got, err := e.store.GetDomain(ctx, dom.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsLdapReady() || !got.IsActive() {
		t.Errorf("status = %s", got.Status)
	}
	if e.directory.count("CreateDomain") != 1 {
		t.Errorf("CreateDomain calls = %d", e.directory.count("CreateDomain"))
	}
}

func TestGroupCreateIsDirectoryOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	group := &model.Group{Email: "staff@kanarip.dev", Name: "staff", Status: bitmap.Mask(bitmap.New)}
	if err := e.store.SaveGroup(ctx, group); err != nil {
		t.Fatal(err)
	}

	wantOutcome(t, e.run(t, jobs.TypeGroupCreate, group.ID), "done")

	got, err := e.store.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsLdapReady() || !got.IsActive() {
		t.Errorf("status = %s", got.Status)
	}
	if e.mailbox.total() != 0 {
		t.Errorf("group create touched the mailbox backend: %v", e.mailbox.calls)
	}
}

func TestCreateDirectoryFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.directory.failOn("CreateUser", errBackend)
	testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.New))

	wantOutcome(t, e.run(t, jobs.TypeUserCreate, user.ID), "failed")

	got, err := e.store.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsLdapReady() {
		t.Error("LdapReady raised despite directory failure")
	}
}

func TestUpdateMissingRowIsNoop(t *testing.T) {
	e := newEnv(t)
	wantOutcome(t, e.run(t, jobs.TypeUserUpdate, 4242), "done")
}

func TestUpdateDeletedEntityCancels(t *testing.T) {
	e := newEnv(t)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.Deleted))

	wantOutcome(t, e.run(t, jobs.TypeUserUpdate, user.ID), "canceled")
	if e.backendCalls() != 0 {
		t.Errorf("made %d backend calls", e.backendCalls())
	}
}

func TestDomainUpdateWithoutDirectoryCancels(t *testing.T) {
	e := newEnv(t)
	e.WithLDAP = false
	dom := testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)

	wantOutcome(t, e.run(t, jobs.TypeDomainUpdate, dom.ID), "canceled")
}

func TestUserUpdatePushesDirectoryAndMailbox(t *testing.T) {
	e := newEnv(t)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev",
		bitmap.Mask(bitmap.Active|bitmap.LdapReady|bitmap.ImapReady))

	wantOutcome(t, e.run(t, jobs.TypeUserUpdate, user.ID), "done")
	if e.directory.count("UpdateUser") != 1 || e.mailbox.count("UpdateUser") != 1 {
		t.Errorf("directory=%v mailbox=%v", e.directory.calls, e.mailbox.calls)
	}
}

func TestGroupUpdateReconciliation(t *testing.T) {
	tests := []struct {
		name      string
		suspended bool
		inLdap    bool
		wantCall  string // directory mutation expected, "" for none
	}{
		{"suspended and absent is converged", true, false, ""},
		{"suspended and present is removed", true, true, "DeleteGroup"},
		{"live and absent is created", false, false, "CreateGroup"},
		{"live and present is updated", false, true, "UpdateGroup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			e.directory.groupExists = tt.inLdap

			status := bitmap.Mask(bitmap.Active | bitmap.LdapReady)
			if tt.suspended {
				status.Set(bitmap.Suspended)
			}
			group := &model.Group{Email: "staff@kanarip.dev", Name: "staff", Status: status}
			if err := e.store.SaveGroup(ctx, group); err != nil {
				t.Fatal(err)
			}

			wantOutcome(t, e.run(t, jobs.TypeGroupUpdate, group.ID), "done")

			for _, mutation := range []string{"CreateGroup", "UpdateGroup", "DeleteGroup"} {
				want := 0
				if mutation == tt.wantCall {
					want = 1
				}
				if got := e.directory.count(mutation); got != want {
					t.Errorf("%s calls = %d, want %d", mutation, got, want)
				}
			}
		})
	}
}

func TestDeleteRequiresTrashedRow(t *testing.T) {
	e := newEnv(t)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev",
		bitmap.Mask(bitmap.Active|bitmap.LdapReady|bitmap.ImapReady))

	wantOutcome(t, e.run(t, jobs.TypeUserDelete, user.ID), "aborted")
	if e.backendCalls() != 0 {
		t.Errorf("made %d backend calls", e.backendCalls())
	}

	got, err := e.store.GetUser(context.Background(), user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != user.Status {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestUserDeleteTearsDownBackends(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev",
		bitmap.Mask(bitmap.Active|bitmap.LdapReady|bitmap.ImapReady))
	if err := e.store.DeleteUser(ctx, user.ID); err != nil {
		t.Fatal(err)
	}

	wantOutcome(t, e.run(t, jobs.TypeUserDelete, user.ID), "done")

	got, err := e.store.GetUserAny(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsDeleted() || got.IsLdapReady() || got.IsImapReady() {
		t.Errorf("status = %s", got.Status)
	}
	if e.directory.count("DeleteUser") != 1 || e.mailbox.count("DeleteUser") != 1 {
		t.Errorf("directory=%v mailbox=%v", e.directory.calls, e.mailbox.calls)
	}
}

func TestDoubleDeleteAborts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev",
		bitmap.Mask(bitmap.Active|bitmap.LdapReady|bitmap.ImapReady))
	if err := e.store.DeleteUser(ctx, user.ID); err != nil {
		t.Fatal(err)
	}

	wantOutcome(t, e.run(t, jobs.TypeUserDelete, user.ID), "done")
	calls := e.backendCalls()

	wantOutcome(t, e.run(t, jobs.TypeUserDelete, user.ID), "aborted")
	if got := e.backendCalls(); got != calls {
		t.Errorf("second delete made %d extra backend calls", got-calls)
	}
}

func TestDeleteMissingRowIsNoop(t *testing.T) {
	e := newEnv(t)
	wantOutcome(t, e.run(t, jobs.TypeUserDelete, 4242), "done")
}

func TestDomainVerify(t *testing.T) {
	tests := []struct {
		name         string
		exists       bool
		err          error
		wantVerified bool
	}{
		{"resolving domain is verified", true, nil, true},
		{"dead domain stays unverified", false, nil, false},
		{"probe failure changes nothing", false, errBackend, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.dns.exists = tt.exists
			e.dns.err = tt.err
			dom := testutil.SeedDomain(t, e.store, "kanarip.dev", bitmap.Mask(bitmap.Active|bitmap.LdapReady))

			wantOutcome(t, e.run(t, jobs.TypeDomainVerify, dom.ID), "done")

			got, err := e.store.GetDomain(context.Background(), dom.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.IsVerified() != tt.wantVerified {
				t.Errorf("verified = %v, want %v", got.IsVerified(), tt.wantVerified)
			}
		})
	}
}

func TestResourceVerifyRaisesReadiness(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	dom := testutil.SeedDomain(t, e.store, "kanarip.dev", readyDomain)
	resource := &model.Resource{
		Email: "room-1@kanarip.dev", Name: "Room 1",
		DomainID: dom.ID, Status: bitmap.Mask(bitmap.New | bitmap.LdapReady),
	}
	if err := e.store.SaveResource(ctx, resource); err != nil {
		t.Fatal(err)
	}

	wantOutcome(t, e.run(t, jobs.TypeResourceVerify, resource.ID), "done")

	got, err := e.store.GetResource(ctx, resource.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsImapReady() || !got.IsActive() {
		t.Errorf("status = %s", got.Status)
	}

	// Already ready: the second run probes nothing.
	calls := e.mailbox.count("VerifySharedFolder")
	wantOutcome(t, e.run(t, jobs.TypeResourceVerify, resource.ID), "done")
	if e.mailbox.count("VerifySharedFolder") != calls {
		t.Error("verified resource probed again")
	}
}

func TestUserVerifyObservesMailbox(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := testutil.SeedUser(t, e.store, "jack@kanarip.dev", bitmap.Mask(bitmap.New|bitmap.LdapReady))

	e.mailbox.verifyResult = false
	wantOutcome(t, e.run(t, jobs.TypeUserVerify, user.ID), "done")
	got, err := e.store.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsImapReady() {
		t.Error("ImapReady raised without a mailbox")
	}

	e.mailbox.verifyResult = true
	wantOutcome(t, e.run(t, jobs.TypeUserVerify, user.ID), "done")
	got, err = e.store.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsImapReady() || !got.IsActive() {
		t.Errorf("status = %s", got.Status)
	}
}

func TestTriesFor(t *testing.T) {
	tests := []struct {
		jobType string
		want    int
	}{
		{jobs.TypeUserCreate, 5},
		{jobs.TypeUserUpdate, 5},
		{jobs.TypeUserDelete, 5},
		{jobs.TypeDomainVerify, 1},
		{jobs.TypeDelegationCreate, 3},
		{jobs.TypeDelegationDelete, 3},
	}
	for _, tt := range tests {
		if got := jobs.TriesFor(tt.jobType); got != tt.want {
			t.Errorf("TriesFor(%s) = %d, want %d", tt.jobType, got, tt.want)
		}
	}
}
