package model

import (
	"testing"

	"gorm.io/gorm"

	"github.com/corvidmail/provisiond/internal/bitmap"
)

func TestTrashedIsOrthogonalToDeletedBit(t *testing.T) {
	u := &User{ID: 1, Email: "jack@kanarip.dev"}

	if u.Trashed() || u.IsDeleted() {
		t.Fatal("fresh user must be neither trashed nor deleted")
	}

	// Soft-delete the row: cleanup pending, bit not yet raised.
	u.DeletedAt = gorm.DeletedAt{Valid: true}
	u.Status.Set(bitmap.LdapReady)

	if !u.Trashed() {
		t.Error("user should be trashed")
	}
	if u.IsDeleted() {
		t.Error("Deleted bit must not follow from soft deletion")
	}
	if !u.IsLdapReady() {
		t.Error("readiness bits survive soft deletion until cleanup")
	}
}

func TestStatusPredicates(t *testing.T) {
	d := &Domain{Namespace: "kanarip.dev"}
	d.Status.Set(bitmap.Active)
	d.Status.Set(bitmap.LdapReady)
	d.Status.Set(bitmap.Verified)

	if !d.IsActive() || !d.IsLdapReady() || !d.IsVerified() {
		t.Errorf("predicates disagree with mask %v", d.Status)
	}
	if d.IsSuspended() || d.IsDeleted() || d.IsNew() {
		t.Errorf("unset predicates true for mask %v", d.Status)
	}
}

func TestGroupHasNoMailboxBits(t *testing.T) {
	var m bitmap.Mask
	m.Set(bitmap.ImapReady)
	if err := m.Validate(GroupStatusAllowed); err == nil {
		t.Error("ImapReady must be invalid for groups")
	}
}

func TestDelegationOptionsRoundTrip(t *testing.T) {
	d := &Delegation{ID: 7}
	if err := d.SetOptions(DelegationOptions{Mail: true, Event: true}); err != nil {
		t.Fatal(err)
	}

	opts, err := d.Options()
	if err != nil {
		t.Fatal(err)
	}
	if !opts.Mail || !opts.Event || opts.Task || opts.Contact {
		t.Errorf("options = %+v", opts)
	}
}

func TestDelegationOptionsIgnoresUnknownKeys(t *testing.T) {
	d := &Delegation{ID: 7, RawOptions: `{"mail": true, "files": true}`}

	opts, err := d.Options()
	if err != nil {
		t.Fatal(err)
	}
	if !opts.Mail {
		t.Errorf("options = %+v", opts)
	}
}

func TestDelegationOptionsEmpty(t *testing.T) {
	d := &Delegation{ID: 7}
	opts, err := d.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts != (DelegationOptions{}) {
		t.Errorf("options = %+v, want zero value", opts)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		in            string
		local, domain string
	}{
		{"jack@kanarip.dev", "jack", "kanarip.dev"},
		{"a@b@c.dev", "a@b", "c.dev"},
		{"nodomain", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		local, domain := SplitAddress(tt.in)
		if local != tt.local || domain != tt.domain {
			t.Errorf("SplitAddress(%q) = %q, %q; want %q, %q", tt.in, local, domain, tt.local, tt.domain)
		}
	}
}

func TestPassword(t *testing.T) {
	u := &User{Email: "jack@kanarip.dev"}
	if err := u.SetPassword("simple123"); err != nil {
		t.Fatal(err)
	}
	if u.PasswordHash == "simple123" || u.PasswordHash == "" {
		t.Fatal("password stored unhashed")
	}
	if !u.CheckPassword("simple123") {
		t.Error("correct password rejected")
	}
	if u.CheckPassword("wrong") {
		t.Error("wrong password accepted")
	}
}
