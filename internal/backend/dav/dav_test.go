package dav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/corvidmail/provisiond/internal/model"
)

type recordedRequest struct {
	method string
	path   string
	body   string
}

func testServer(t *testing.T, status int) (*Client, *[]recordedRequest) {
	t.Helper()

	var recorded []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		recorded = append(recorded, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			body:   string(body),
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, AdminUser: "admin", AdminPassword: "secret"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c, &recorded
}

func TestInitDefaultFolders(t *testing.T) {
	c, recorded := testServer(t, http.StatusCreated)

	user := &model.User{Email: "jack@kanarip.dev"}
	if err := c.InitDefaultFolders(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	reqs := *recorded
	if len(reqs) != 3 {
		t.Fatalf("got %d requests", len(reqs))
	}

	wantPaths := []string{
		"/calendars/user/jack@kanarip.dev/Default",
		"/calendars/user/jack@kanarip.dev/Tasks",
		"/addressbooks/user/jack@kanarip.dev/Default",
	}
	for i, want := range wantPaths {
		if reqs[i].method != "MKCOL" {
			t.Errorf("request %d method = %s", i, reqs[i].method)
		}
		if reqs[i].path != want {
			t.Errorf("request %d path = %s, want %s", i, reqs[i].path, want)
		}
	}

	if !strings.Contains(reqs[1].body, `name="VTODO"`) {
		t.Errorf("tasklist body lacks VTODO restriction: %s", reqs[1].body)
	}
	if !strings.Contains(reqs[2].body, "addressbook") {
		t.Errorf("addressbook body lacks resourcetype: %s", reqs[2].body)
	}
}

func TestInitDefaultFoldersTreatsExistingAsSuccess(t *testing.T) {
	c, _ := testServer(t, http.StatusMethodNotAllowed)

	user := &model.User{Email: "jack@kanarip.dev"}
	if err := c.InitDefaultFolders(context.Background(), user); err != nil {
		t.Fatal(err)
	}
}

func TestShareDefaultFolders(t *testing.T) {
	c, recorded := testServer(t, http.StatusOK)

	owner := &model.User{Email: "jack@kanarip.dev"}
	delegatee := &model.User{Email: "ned@kanarip.dev"}
	opts := model.DelegationOptions{Event: true, Contact: true}

	if err := c.ShareDefaultFolders(context.Background(), owner, delegatee, opts); err != nil {
		t.Fatal(err)
	}

	reqs := *recorded
	if len(reqs) != 2 {
		t.Fatalf("got %d requests", len(reqs))
	}
	if reqs[0].path != "/calendars/user/jack@kanarip.dev/Default" {
		t.Errorf("first share path = %s", reqs[0].path)
	}
	if reqs[1].path != "/addressbooks/user/jack@kanarip.dev/Default" {
		t.Errorf("second share path = %s", reqs[1].path)
	}
	for _, req := range reqs {
		if req.method != http.MethodPost {
			t.Errorf("share method = %s", req.method)
		}
		if !strings.Contains(req.body, "mailto:ned@kanarip.dev") {
			t.Errorf("share body lacks sharee href: %s", req.body)
		}
		if !strings.Contains(req.body, "read-write") {
			t.Errorf("share body lacks access level: %s", req.body)
		}
	}
}

func TestShareSurfacesErrorStatus(t *testing.T) {
	c, _ := testServer(t, http.StatusForbidden)

	owner := &model.User{Email: "jack@kanarip.dev"}
	delegatee := &model.User{Email: "ned@kanarip.dev"}
	err := c.ShareDefaultFolders(context.Background(), owner, delegatee, model.DelegationOptions{Event: true})
	if err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestLastSegment(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://dav/calendars/user/jack@kanarip.dev/Default", "Default"},
		{"https://dav/calendars/user/jack@kanarip.dev/jack.Default/", "jack.Default"},
		{"Default", "Default"},
	}
	for _, tt := range tests {
		if got := lastSegment(tt.in); got != tt.want {
			t.Errorf("lastSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
