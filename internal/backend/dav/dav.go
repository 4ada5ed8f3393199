// Package dav implements the DAV contract against a Cyrus-style CalDAV and
// CardDAV server. Collection discovery goes through go-webdav; collection
// creation and the calendarserver sharing extension are issued as raw
// requests since the library does not model them.
//
// All requests authenticate as the DAV admin and address collections by
// principal path, e.g. /calendars/user/jack@kanarip.dev/Default.
package dav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/corvidmail/provisiond/internal/logutil"
	"github.com/corvidmail/provisiond/internal/model"
)

// Config holds connection settings.
type Config struct {
	// BaseURL is the root of the DAV server, e.g. "https://dav.example.org".
	BaseURL string

	// AdminUser and AdminPassword authenticate the DAV admin account.
	AdminUser     string
	AdminPassword string
}

// defaultCollections are provisioned for every new user. The Tasks calendar
// is a VTODO-only collection.
var defaultCollections = []struct {
	segment     string
	displayName string
	kind        string // "calendar", "tasks" or "addressbook"
}{
	{"Default", "Calendar", "calendar"},
	{"Tasks", "Tasks", "tasks"},
	{"Default", "Contacts", "addressbook"},
}

// Client implements backend.DAV.
type Client struct {
	cfg     Config
	hc      webdav.HTTPClient
	caldav  *caldav.Client
	carddav *carddav.Client
	logger  *slog.Logger
}

// New creates a DAV client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := webdav.HTTPClientWithBasicAuth(nil, cfg.AdminUser, cfg.AdminPassword)

	cal, err := caldav.NewClient(hc, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}
	card, err := carddav.NewClient(hc, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("carddav client: %w", err)
	}

	return &Client{
		cfg:     cfg,
		hc:      hc,
		caldav:  cal,
		carddav: card,
		logger:  logutil.NoopIfNil(logger),
	}, nil
}

// calendarHome and addressbookHome are the Cyrus path conventions for
// principal-addressed collection homes.
func (c *Client) calendarHome(email string) string {
	return fmt.Sprintf("%s/calendars/user/%s/", c.cfg.BaseURL, email)
}

func (c *Client) addressbookHome(email string) string {
	return fmt.Sprintf("%s/addressbooks/user/%s/", c.cfg.BaseURL, email)
}

// InitDefaultFolders provisions the default calendar, tasklist and
// addressbook for a fresh user. Collections that already exist are left
// alone, so repeated runs converge.
func (c *Client) InitDefaultFolders(ctx context.Context, user *model.User) error {
	for _, col := range defaultCollections {
		var url string
		if col.kind == "addressbook" {
			url = c.addressbookHome(user.Email) + col.segment
		} else {
			url = c.calendarHome(user.Email) + col.segment
		}
		if err := c.createCollection(ctx, url, col.displayName, col.kind); err != nil {
			return fmt.Errorf("init %s for %s: %w", col.segment, user.Email, err)
		}
	}
	return nil
}

// mkcolBody is the extended MKCOL request body (RFC 5689) carrying the
// resourcetype and displayname of the new collection.
type mkcolBody struct {
	XMLName xml.Name `xml:"DAV: mkcol"`
	Set     struct {
		Prop struct {
			ResourceType struct {
				Collection  *struct{} `xml:"DAV: collection"`
				Calendar    *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar,omitempty"`
				AddressBook *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook,omitempty"`
			} `xml:"DAV: resourcetype"`
			DisplayName string `xml:"DAV: displayname"`
			// Restricts a tasklist calendar to VTODO.
			SupportedComponents *supportedComponents `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set,omitempty"`
		} `xml:"DAV: prop"`
	} `xml:"DAV: set"`
}

type supportedComponents struct {
	Comps []comp `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

type comp struct {
	Name string `xml:"name,attr"`
}

func (c *Client) createCollection(ctx context.Context, url, displayName, kind string) error {
	var body mkcolBody
	body.Set.Prop.ResourceType.Collection = &struct{}{}
	body.Set.Prop.DisplayName = displayName

	switch kind {
	case "calendar":
		body.Set.Prop.ResourceType.Calendar = &struct{}{}
		body.Set.Prop.SupportedComponents = &supportedComponents{Comps: []comp{{Name: "VEVENT"}}}
	case "tasks":
		body.Set.Prop.ResourceType.Calendar = &struct{}{}
		body.Set.Prop.SupportedComponents = &supportedComponents{Comps: []comp{{Name: "VTODO"}}}
	case "addressbook":
		body.Set.Prop.ResourceType.AddressBook = &struct{}{}
	}

	resp, err := c.request(ctx, "MKCOL", url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusMethodNotAllowed:
		// Collection already exists.
		return nil
	default:
		return fmt.Errorf("MKCOL %s: unexpected status %s", url, resp.Status)
	}
}

// Sharing (calendarserver extension)

// shareBody is the POST body of the calendarserver sharing extension, used
// both to grant (set) and to revoke (remove) access.
type shareBody struct {
	XMLName xml.Name     `xml:"http://calendarserver.org/ns/ share"`
	Set     *shareSet    `xml:"http://calendarserver.org/ns/ set,omitempty"`
	Remove  *shareRemove `xml:"http://calendarserver.org/ns/ remove,omitempty"`
}

type shareSet struct {
	Href      string    `xml:"DAV: href"`
	ReadWrite *struct{} `xml:"http://calendarserver.org/ns/ read-write"`
}

type shareRemove struct {
	Href string `xml:"DAV: href"`
}

// ShareDefaultFolders grants the delegatee read-write access to the owner's
// default collections selected by the delegation options.
func (c *Client) ShareDefaultFolders(ctx context.Context, owner, delegatee *model.User, opts model.DelegationOptions) error {
	for _, url := range c.selectedCollections(owner.Email, opts) {
		body := shareBody{Set: &shareSet{
			Href:      "mailto:" + delegatee.Email,
			ReadWrite: &struct{}{},
		}}
		if err := c.share(ctx, url, body); err != nil {
			return fmt.Errorf("share %s with %s: %w", url, delegatee.Email, err)
		}
	}
	return nil
}

// UnshareFolders revokes the delegatee's access to all of the owner's
// collections, regardless of which options granted it.
func (c *Client) UnshareFolders(ctx context.Context, owner *model.User, delegateeEmail string) error {
	urls, err := c.ownCollections(ctx, owner.Email)
	if err != nil {
		return err
	}
	for _, url := range urls {
		body := shareBody{Remove: &shareRemove{Href: "mailto:" + delegateeEmail}}
		if err := c.share(ctx, url, body); err != nil {
			return fmt.Errorf("unshare %s from %s: %w", url, delegateeEmail, err)
		}
	}
	return nil
}

// UnsubscribeSharedFolders removes the user's bindings to collections shared
// out by the owner. Sharee bindings carry the owner's local part as a name
// prefix, which is how they are told apart from the user's own collections.
func (c *Client) UnsubscribeSharedFolders(ctx context.Context, user *model.User, ownerEmail string) error {
	ownerLocal, _ := model.SplitAddress(ownerEmail)
	prefix := ownerLocal + "."

	urls, err := c.allCollections(ctx, user.Email)
	if err != nil {
		return err
	}
	for _, url := range urls {
		if !strings.HasPrefix(lastSegment(url), prefix) {
			continue
		}
		if err := c.deleteCollection(ctx, url); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", url, err)
		}
	}
	return nil
}

// selectedCollections maps delegation options onto default collection URLs.
func (c *Client) selectedCollections(email string, opts model.DelegationOptions) []string {
	var urls []string
	if opts.Event {
		urls = append(urls, c.calendarHome(email)+"Default")
	}
	if opts.Task {
		urls = append(urls, c.calendarHome(email)+"Tasks")
	}
	if opts.Contact {
		urls = append(urls, c.addressbookHome(email)+"Default")
	}
	return urls
}

// ownCollections discovers the collections the user owns, skipping sharee
// bindings (names containing a dot separator).
func (c *Client) ownCollections(ctx context.Context, email string) ([]string, error) {
	all, err := c.allCollections(ctx, email)
	if err != nil {
		return nil, err
	}
	own := all[:0]
	for _, url := range all {
		if !strings.Contains(lastSegment(url), ".") {
			own = append(own, url)
		}
	}
	return own, nil
}

// allCollections lists every calendar and addressbook under the user's homes.
func (c *Client) allCollections(ctx context.Context, email string) ([]string, error) {
	var urls []string

	calendars, err := c.caldav.FindCalendars(ctx, c.calendarHome(email))
	if err != nil {
		return nil, fmt.Errorf("find calendars of %s: %w", email, err)
	}
	for _, cal := range calendars {
		urls = append(urls, c.cfg.BaseURL+cal.Path)
	}

	books, err := c.carddav.FindAddressBooks(ctx, c.addressbookHome(email))
	if err != nil {
		return nil, fmt.Errorf("find addressbooks of %s: %w", email, err)
	}
	for _, book := range books {
		urls = append(urls, c.cfg.BaseURL+book.Path)
	}
	return urls, nil
}

func (c *Client) share(ctx context.Context, url string, body shareBody) error {
	resp, err := c.request(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: unexpected status %s", url, resp.Status)
	}
	return nil
}

func (c *Client) deleteCollection(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("DELETE %s: unexpected status %s", url, resp.Status)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, url string, body any) (*http.Response, error) {
	payload, err := xml.Marshal(body)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBufferString(xml.Header)
	buf.Write(payload)

	req, err := http.NewRequestWithContext(ctx, method, url, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	return c.hc.Do(req)
}

func lastSegment(url string) string {
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[i+1:]
	}
	return url
}
