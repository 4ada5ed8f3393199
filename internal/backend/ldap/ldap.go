// Package ldap implements the Directory contract against an LDAP server.
//
// The DIT is one subtree per domain under the hosted root, with People,
// Groups, Resources and Shared Folders organizational units inside it:
//
//	dc=kanarip,dc=dev,<hosted_root>
//	  ou=People      uid=<email>
//	  ou=Groups      cn=<name>
//	  ou=Resources   cn=<name>
//	  ou=Shared Folders  cn=<name>
//
// Every operation dials, binds, operates and closes; connections are never
// shared between jobs.
package ldap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/corvidmail/provisiond/internal/backend"
	"github.com/corvidmail/provisiond/internal/logutil"
	"github.com/corvidmail/provisiond/internal/model"
)

// Config holds connection and DIT settings.
type Config struct {
	// URI is the server address, e.g. ldaps://ldap.example.org:636.
	URI string

	// BindDN and BindPassword authenticate the service account.
	BindDN       string
	BindPassword string

	// HostedRootDN is the base under which domain subtrees live,
	// e.g. dc=hosted,dc=example,dc=org.
	HostedRootDN string
}

// Client implements backend.Directory.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a directory client. It does not connect; every operation
// dials its own connection.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, logger: logutil.NoopIfNil(logger)}
}

func (c *Client) connect(ctx context.Context) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(c.cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URI, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}
	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind as %s: %w", c.cfg.BindDN, err)
	}
	return conn, nil
}

// domainRootDN builds the domain subtree DN from a namespace.
func (c *Client) domainRootDN(namespace string) string {
	parts := strings.Split(namespace, ".")
	rdns := make([]string, 0, len(parts))
	for _, p := range parts {
		rdns = append(rdns, "dc="+ldap.EscapeDN(p))
	}
	return strings.Join(rdns, ",") + "," + c.cfg.HostedRootDN
}

func (c *Client) userDN(email string) string {
	_, domain := model.SplitAddress(email)
	return fmt.Sprintf("uid=%s,ou=People,%s", ldap.EscapeDN(email), c.domainRootDN(domain))
}

func (c *Client) groupDN(group *model.Group) string {
	_, domain := model.SplitAddress(group.Email)
	return fmt.Sprintf("cn=%s,ou=Groups,%s", ldap.EscapeDN(group.Name), c.domainRootDN(domain))
}

func (c *Client) resourceDN(resource *model.Resource) string {
	_, domain := model.SplitAddress(resource.Email)
	return fmt.Sprintf("cn=%s,ou=Resources,%s", ldap.EscapeDN(resource.Name), c.domainRootDN(domain))
}

func (c *Client) folderDN(folder *model.SharedFolder) string {
	_, domain := model.SplitAddress(folder.Email)
	return fmt.Sprintf("cn=%s,ou=Shared Folders,%s", ldap.EscapeDN(folder.Name), c.domainRootDN(domain))
}

// notFound reports whether err is the server saying "no such object".
func notFound(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject)
}

// Domain operations

func (c *Client) CreateDomain(ctx context.Context, domain *model.Domain) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	root := c.domainRootDN(domain.Namespace)
	first := strings.SplitN(domain.Namespace, ".", 2)[0]

	add := ldap.NewAddRequest(root, nil)
	add.Attribute("objectClass", []string{"top", "domain", "domainrelatedobject"})
	add.Attribute("dc", []string{first})
	add.Attribute("associatedDomain", []string{domain.Namespace})
	if err := conn.Add(add); err != nil {
		return fmt.Errorf("add domain %s: %w", domain.Namespace, err)
	}

	for _, ou := range []string{"People", "Groups", "Resources", "Shared Folders"} {
		add := ldap.NewAddRequest(fmt.Sprintf("ou=%s,%s", ou, root), nil)
		add.Attribute("objectClass", []string{"top", "organizationalunit"})
		add.Attribute("ou", []string{ou})
		if err := conn.Add(add); err != nil {
			return fmt.Errorf("add ou=%s for %s: %w", ou, domain.Namespace, err)
		}
	}

	c.logger.Debug("directory domain created", "namespace", domain.Namespace, "dn", root)
	return nil
}

func (c *Client) UpdateDomain(ctx context.Context, domain *model.Domain) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	mod := ldap.NewModifyRequest(c.domainRootDN(domain.Namespace), nil)
	mod.Replace("associatedDomain", []string{domain.Namespace})
	if err := conn.Modify(mod); err != nil {
		return fmt.Errorf("modify domain %s: %w", domain.Namespace, err)
	}
	return nil
}

// DeleteDomain removes the domain subtree, deepest entries first.
func (c *Client) DeleteDomain(ctx context.Context, domain *model.Domain) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	root := c.domainRootDN(domain.Namespace)
	search := ldap.NewSearchRequest(root, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{"dn"}, nil)
	res, err := conn.Search(search)
	if err != nil {
		if notFound(err) {
			return nil // already gone
		}
		return fmt.Errorf("search domain subtree %s: %w", domain.Namespace, err)
	}

	dns := make([]string, 0, len(res.Entries))
	for _, entry := range res.Entries {
		dns = append(dns, entry.DN)
	}
	// Children sort after their parent by component count; delete in reverse.
	sort.Slice(dns, func(i, j int) bool {
		return strings.Count(dns[i], ",") < strings.Count(dns[j], ",")
	})
	for i := len(dns) - 1; i >= 0; i-- {
		if err := conn.Del(ldap.NewDelRequest(dns[i], nil)); err != nil && !notFound(err) {
			return fmt.Errorf("delete %s: %w", dns[i], err)
		}
	}
	return nil
}

// User operations

func (c *Client) CreateUser(ctx context.Context, user *model.User) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	name := user.Name
	if name == "" {
		name = user.Email
	}

	add := ldap.NewAddRequest(c.userDN(user.Email), nil)
	add.Attribute("objectClass", []string{"top", "person", "organizationalperson", "inetorgperson", "mailrecipient"})
	add.Attribute("uid", []string{user.Email})
	add.Attribute("cn", []string{name})
	add.Attribute("sn", []string{surname(name)})
	add.Attribute("mail", []string{user.Email})
	if user.PasswordHash != "" {
		add.Attribute("userPassword", []string{"{CRYPT}" + user.PasswordHash})
	}
	if err := conn.Add(add); err != nil {
		return fmt.Errorf("add user %s: %w", user.Email, err)
	}
	return nil
}

func (c *Client) UpdateUser(ctx context.Context, user *model.User) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	name := user.Name
	if name == "" {
		name = user.Email
	}

	mod := ldap.NewModifyRequest(c.userDN(user.Email), nil)
	mod.Replace("cn", []string{name})
	mod.Replace("sn", []string{surname(name)})
	if user.PasswordHash != "" {
		mod.Replace("userPassword", []string{"{CRYPT}" + user.PasswordHash})
	}
	if err := conn.Modify(mod); err != nil {
		return fmt.Errorf("modify user %s: %w", user.Email, err)
	}
	return nil
}

func (c *Client) DeleteUser(ctx context.Context, user *model.User) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Del(ldap.NewDelRequest(c.userDN(user.Email), nil)); err != nil && !notFound(err) {
		return fmt.Errorf("delete user %s: %w", user.Email, err)
	}
	return nil
}

// Group operations

func (c *Client) CreateGroup(ctx context.Context, group *model.Group) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	add := ldap.NewAddRequest(c.groupDN(group), nil)
	add.Attribute("objectClass", []string{"top", "groupofuniquenames", "mailgroup"})
	add.Attribute("cn", []string{group.Name})
	add.Attribute("mail", []string{group.Email})
	add.Attribute("uniqueMember", c.memberDNs(group))
	if err := conn.Add(add); err != nil {
		return fmt.Errorf("add group %s: %w", group.Email, err)
	}
	return nil
}

func (c *Client) UpdateGroup(ctx context.Context, group *model.Group) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	mod := ldap.NewModifyRequest(c.groupDN(group), nil)
	mod.Replace("uniqueMember", c.memberDNs(group))
	if err := conn.Modify(mod); err != nil {
		return fmt.Errorf("modify group %s: %w", group.Email, err)
	}
	return nil
}

func (c *Client) DeleteGroup(ctx context.Context, group *model.Group) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Del(ldap.NewDelRequest(c.groupDN(group), nil)); err != nil && !notFound(err) {
		return fmt.Errorf("delete group %s: %w", group.Email, err)
	}
	return nil
}

func (c *Client) GetGroup(ctx context.Context, email string) (*backend.DirectoryGroup, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_, domain := model.SplitAddress(email)
	base := "ou=Groups," + c.domainRootDN(domain)
	filter := fmt.Sprintf("(&(objectClass=groupofuniquenames)(mail=%s))", ldap.EscapeFilter(email))

	search := ldap.NewSearchRequest(base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		1, 0, false, filter, []string{"dn", "mail", "uniqueMember"}, nil)
	res, err := conn.Search(search)
	if err != nil {
		if notFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("search group %s: %w", email, err)
	}
	if len(res.Entries) == 0 {
		return nil, backend.ErrNotFound
	}

	entry := res.Entries[0]
	return &backend.DirectoryGroup{
		DN:      entry.DN,
		Email:   entry.GetAttributeValue("mail"),
		Members: entry.GetAttributeValues("uniqueMember"),
	}, nil
}

// memberDNs maps the group's member addresses onto user DNs.
func (c *Client) memberDNs(group *model.Group) []string {
	var members []string
	if group.Members != "" {
		if err := json.Unmarshal([]byte(group.Members), &members); err != nil {
			c.logger.Warn("unparsable group members", "group", group.Email, "error", err)
		}
	}
	dns := make([]string, 0, len(members))
	for _, email := range members {
		dns = append(dns, c.userDN(email))
	}
	if len(dns) == 0 {
		// groupofuniquenames requires at least one member; point an empty
		// group at the service account.
		dns = append(dns, c.cfg.BindDN)
	}
	return dns
}

// Resource operations

func (c *Client) CreateResource(ctx context.Context, resource *model.Resource) error {
	return c.addMailObject(ctx, c.resourceDN(resource), resource.Name, resource.Email)
}

func (c *Client) UpdateResource(ctx context.Context, resource *model.Resource) error {
	return c.modifyMailObject(ctx, c.resourceDN(resource), resource.Email)
}

func (c *Client) DeleteResource(ctx context.Context, resource *model.Resource) error {
	return c.deleteObject(ctx, c.resourceDN(resource))
}

// Shared folder operations

func (c *Client) CreateSharedFolder(ctx context.Context, folder *model.SharedFolder) error {
	return c.addMailObject(ctx, c.folderDN(folder), folder.Name, folder.Email)
}

func (c *Client) UpdateSharedFolder(ctx context.Context, folder *model.SharedFolder) error {
	return c.modifyMailObject(ctx, c.folderDN(folder), folder.Email)
}

func (c *Client) DeleteSharedFolder(ctx context.Context, folder *model.SharedFolder) error {
	return c.deleteObject(ctx, c.folderDN(folder))
}

func (c *Client) addMailObject(ctx context.Context, dn, name, email string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	add := ldap.NewAddRequest(dn, nil)
	add.Attribute("objectClass", []string{"top", "applicationProcess", "mailrecipient"})
	add.Attribute("cn", []string{name})
	add.Attribute("mail", []string{email})
	if err := conn.Add(add); err != nil {
		return fmt.Errorf("add %s: %w", dn, err)
	}
	return nil
}

func (c *Client) modifyMailObject(ctx context.Context, dn, email string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	mod := ldap.NewModifyRequest(dn, nil)
	mod.Replace("mail", []string{email})
	if err := conn.Modify(mod); err != nil {
		return fmt.Errorf("modify %s: %w", dn, err)
	}
	return nil
}

func (c *Client) deleteObject(ctx context.Context, dn string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Del(ldap.NewDelRequest(dn, nil)); err != nil && !notFound(err) {
		return fmt.Errorf("delete %s: %w", dn, err)
	}
	return nil
}

// surname extracts the last word of a display name; the person object class
// requires sn.
func surname(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return name
	}
	return fields[len(fields)-1]
}
