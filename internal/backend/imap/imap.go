// Package imap implements the Mailbox contract against a Cyrus-style IMAP
// server, administered over the IMAP protocol itself (CREATE/DELETE/SETACL/
// SETQUOTA as the admin user).
//
// Mailbox naming follows the unix hierarchy separator with the domain as a
// suffix: user mailboxes are "user/<local>@<domain>", their folders
// "user/<local>/<folder>@<domain>", shared mailboxes "shared/<name>@<domain>".
//
// Every operation dials, authenticates, operates and logs out; connections
// are never shared between jobs.
package imap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/corvidmail/provisiond/internal/logutil"
	"github.com/corvidmail/provisiond/internal/model"
)

// fullRights is the complete Cyrus rights string granted to the admin and
// to delegatees on shared-out folders.
var fullRights = imap.RightSet("lrswipkxtecdan")

// defaultUserFolders are created alongside a fresh user mailbox.
var defaultUserFolders = []string{"Drafts", "Sent", "Trash", "Spam"}

// delegationFolders maps delegation options onto the owner folders shared
// with the delegatee. An empty string is the INBOX itself.
func delegationFolders(opts model.DelegationOptions) []string {
	var folders []string
	if opts.Mail {
		folders = append(folders, "", "Drafts", "Sent")
	}
	if opts.Event {
		folders = append(folders, "Calendar")
	}
	if opts.Task {
		folders = append(folders, "Tasks")
	}
	if opts.Contact {
		folders = append(folders, "Contacts")
	}
	return folders
}

// Config holds connection settings.
type Config struct {
	// Addr is host:port of the IMAP server.
	Addr string

	// AdminUser and AdminPassword authenticate the Cyrus admin account.
	AdminUser     string
	AdminPassword string

	// TLS selects implicit TLS (imaps). Plaintext is for lab setups only.
	TLS bool
}

// Client implements backend.Mailbox.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a mailbox client. It does not connect; every operation dials
// its own connection.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, logger: logutil.NoopIfNil(logger)}
}

// connect dials and authenticates as the admin.
func (c *Client) connect(ctx context.Context) (*imapclient.Client, error) {
	return c.connectAs(ctx, "")
}

// connectAs dials and authenticates as the admin, optionally with a proxy
// authorization identity: the session then acts as that user. Needed for
// per-user state such as subscriptions.
func (c *Client) connectAs(ctx context.Context, authzEmail string) (*imapclient.Client, error) {
	var (
		conn *imapclient.Client
		err  error
	)
	if c.cfg.TLS {
		conn, err = imapclient.DialTLS(c.cfg.Addr, nil)
	} else {
		conn, err = imapclient.DialInsecure(c.cfg.Addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}

	if authzEmail == "" {
		err = conn.Login(c.cfg.AdminUser, c.cfg.AdminPassword).Wait()
	} else {
		err = conn.Authenticate(sasl.NewPlainClient(authzEmail, c.cfg.AdminUser, c.cfg.AdminPassword))
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate against %s: %w", c.cfg.Addr, err)
	}
	return conn, nil
}

func (c *Client) close(conn *imapclient.Client) {
	if err := conn.Logout().Wait(); err != nil {
		c.logger.Debug("imap logout failed", "error", err)
	}
	conn.Close()
}

// userMailbox maps an address onto the admin-visible mailbox name.
func userMailbox(email, folder string) string {
	local, domain := model.SplitAddress(email)
	if folder == "" {
		return fmt.Sprintf("user/%s@%s", local, domain)
	}
	return fmt.Sprintf("user/%s/%s@%s", local, folder, domain)
}

// sharedMailbox maps a shared folder address onto its mailbox name.
func sharedMailbox(email string) string {
	local, domain := model.SplitAddress(email)
	return fmt.Sprintf("shared/%s@%s", local, domain)
}

// exists is a read-only LIST probe.
func (c *Client) exists(conn *imapclient.Client, mailbox string) (bool, error) {
	list, err := conn.List("", mailbox, nil).Collect()
	if err != nil {
		return false, fmt.Errorf("list %s: %w", mailbox, err)
	}
	return len(list) > 0, nil
}

// create makes a mailbox, treating "already exists" as success so that
// duplicate job runs converge instead of failing.
func (c *Client) create(conn *imapclient.Client, mailbox string) error {
	if err := conn.Create(mailbox, nil).Wait(); err != nil {
		ok, listErr := c.exists(conn, mailbox)
		if listErr == nil && ok {
			return nil
		}
		return fmt.Errorf("create %s: %w", mailbox, err)
	}
	return nil
}

// remove deletes a mailbox, granting the admin deletion rights first and
// treating "does not exist" as success.
func (c *Client) remove(conn *imapclient.Client, mailbox string) error {
	ok, err := c.exists(conn, mailbox)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := conn.SetACL(mailbox, imap.RightsIdentifier(c.cfg.AdminUser),
		imap.RightModificationReplace, fullRights).Wait(); err != nil {
		return fmt.Errorf("setacl %s: %w", mailbox, err)
	}
	if err := conn.Delete(mailbox).Wait(); err != nil {
		return fmt.Errorf("delete %s: %w", mailbox, err)
	}
	return nil
}

// User mailboxes

func (c *Client) CreateUser(ctx context.Context, user *model.User) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	root := userMailbox(user.Email, "")
	if err := c.create(conn, root); err != nil {
		return err
	}
	for _, folder := range defaultUserFolders {
		if err := c.create(conn, userMailbox(user.Email, folder)); err != nil {
			return err
		}
	}

	if user.Quota > 0 {
		if err := c.setQuota(conn, root, user.Quota); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) UpdateUser(ctx context.Context, user *model.User) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	if user.Quota > 0 {
		return c.setQuota(conn, userMailbox(user.Email, ""), user.Quota)
	}
	return nil
}

func (c *Client) DeleteUser(ctx context.Context, user *model.User) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	return c.remove(conn, userMailbox(user.Email, ""))
}

func (c *Client) VerifyAccount(ctx context.Context, email string) (bool, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return false, err
	}
	defer c.close(conn)

	return c.exists(conn, userMailbox(email, ""))
}

func (c *Client) setQuota(conn *imapclient.Client, root string, kib int64) error {
	err := conn.SetQuota(root, map[imap.QuotaResourceType]int64{
		imap.QuotaResourceStorage: kib,
	}).Wait()
	if err != nil {
		return fmt.Errorf("setquota %s: %w", root, err)
	}
	return nil
}

// Resources and shared folders

func (c *Client) CreateResource(ctx context.Context, resource *model.Resource) error {
	return c.createShared(ctx, sharedMailbox(resource.Email), nil)
}

func (c *Client) UpdateResource(ctx context.Context, resource *model.Resource) error {
	// Resource invitation policy lives in the directory; nothing to push.
	return nil
}

func (c *Client) DeleteResource(ctx context.Context, resource *model.Resource) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	return c.remove(conn, sharedMailbox(resource.Email))
}

func (c *Client) CreateSharedFolder(ctx context.Context, folder *model.SharedFolder) error {
	return c.createShared(ctx, sharedMailbox(folder.Email), parseAcl(folder.Acl, c.logger))
}

func (c *Client) UpdateSharedFolder(ctx context.Context, folder *model.SharedFolder) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	return c.applyAcl(conn, sharedMailbox(folder.Email), parseAcl(folder.Acl, c.logger))
}

func (c *Client) DeleteSharedFolder(ctx context.Context, folder *model.SharedFolder) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	return c.remove(conn, sharedMailbox(folder.Email))
}

func (c *Client) VerifySharedFolder(ctx context.Context, name string) (bool, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return false, err
	}
	defer c.close(conn)

	return c.exists(conn, sharedMailbox(name))
}

func (c *Client) createShared(ctx context.Context, mailbox string, acl []aclEntry) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	if err := c.create(conn, mailbox); err != nil {
		return err
	}
	return c.applyAcl(conn, mailbox, acl)
}

func (c *Client) applyAcl(conn *imapclient.Client, mailbox string, acl []aclEntry) error {
	for _, entry := range acl {
		err := conn.SetACL(mailbox, imap.RightsIdentifier(entry.subject),
			imap.RightModificationReplace, entry.rights).Wait()
		if err != nil {
			return fmt.Errorf("setacl %s for %s: %w", mailbox, entry.subject, err)
		}
	}
	return nil
}

// aclEntry is one parsed "subject, rights" element of the stored ACL list.
type aclEntry struct {
	subject string
	rights  imap.RightSet
}

var namedRights = map[string]imap.RightSet{
	"read-only":  imap.RightSet("lrs"),
	"read-write": imap.RightSet("lrswitedn"),
	"full":       fullRights,
}

func parseAcl(raw string, logger *slog.Logger) []aclEntry {
	logger = logutil.NoopIfNil(logger)
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		logger.Warn("unparsable folder acl", "error", err)
		return nil
	}

	entries := make([]aclEntry, 0, len(list))
	for _, item := range list {
		subject, spec, found := strings.Cut(item, ",")
		if !found {
			logger.Warn("skipping malformed acl entry", "entry", item)
			continue
		}
		spec = strings.TrimSpace(spec)
		rights, ok := namedRights[spec]
		if !ok {
			rights = imap.RightSet(spec)
		}
		entries = append(entries, aclEntry{subject: strings.TrimSpace(subject), rights: rights})
	}
	return entries
}

// Delegation

func (c *Client) ShareDefaultFolders(ctx context.Context, owner, delegatee *model.User, opts model.DelegationOptions) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	for _, folder := range delegationFolders(opts) {
		mailbox := userMailbox(owner.Email, folder)
		ok, err := c.exists(conn, mailbox)
		if err != nil {
			return err
		}
		if !ok {
			continue // optional folder the owner never created
		}
		err = conn.SetACL(mailbox, imap.RightsIdentifier(delegatee.Email),
			imap.RightModificationReplace, fullRights).Wait()
		if err != nil {
			return fmt.Errorf("share %s with %s: %w", mailbox, delegatee.Email, err)
		}
	}
	return nil
}

func (c *Client) UnshareFolders(ctx context.Context, owner *model.User, delegateeEmail string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.close(conn)

	local, domain := model.SplitAddress(owner.Email)
	pattern := fmt.Sprintf("user/%s*@%s", local, domain)
	list, err := conn.List("", pattern, nil).Collect()
	if err != nil {
		return fmt.Errorf("list %s: %w", pattern, err)
	}

	for _, data := range list {
		err := conn.SetACL(data.Mailbox, imap.RightsIdentifier(delegateeEmail),
			imap.RightModificationReplace, imap.RightSet("")).Wait()
		if err != nil {
			return fmt.Errorf("unshare %s from %s: %w", data.Mailbox, delegateeEmail, err)
		}
	}
	return nil
}

func (c *Client) UnsubscribeSharedFolders(ctx context.Context, user *model.User, ownerEmail string) error {
	conn, err := c.connectAs(ctx, user.Email)
	if err != nil {
		return err
	}
	defer c.close(conn)

	ownerLocal, _ := model.SplitAddress(ownerEmail)
	pattern := fmt.Sprintf("Other Users/%s*", ownerLocal)
	list, err := conn.List("", pattern, &imap.ListOptions{SelectSubscribed: true}).Collect()
	if err != nil {
		return fmt.Errorf("list subscriptions %s: %w", pattern, err)
	}

	for _, data := range list {
		if err := conn.Unsubscribe(data.Mailbox).Wait(); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", data.Mailbox, err)
		}
	}
	return nil
}
