package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/aussiebroadwan/appsdk/pkg/appctx"
)

const (
	pathPermissions = "permissions"
	pathSections    = "permissions/sections/"
	pathActions     = "permissions/actions"
	pathUsers       = "permissions/users"
	pathRoles       = "permissions/roles"
)

// Client answers permission checks for the signed-in user and manages
// access control entries through the platform API.
type Client struct {
	api    API
	app    appctx.Application
	cache  *Cache
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger. Default: slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a Client for app. A nil cache gets a private one; share
// a Cache between clients to share decisions.
func NewClient(api API, app appctx.Application, cache *Cache, opts ...Option) *Client {
	if cache == nil {
		cache = NewCache()
	}

	c := &Client{
		api:    api,
		app:    app,
		cache:  cache,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "permission")
	return c
}

// ============================================================================
// Permission Checks
// ============================================================================

// Check decides whether the current user may perform key, written as
// "section.action" or just "section". Cached decisions are returned as
// is. Otherwise Unknown is returned when nobody is signed in (and nothing
// is cached); a computed decision is cached before it is returned.
func (c *Client) Check(key string) Decision {
	apiKey := c.app.APIKey()

	if allowed, ok := c.cache.Lookup(apiKey, key); ok {
		return decisionOf(allowed)
	}

	container, ok := c.app.User()
	if !ok {
		return Unknown
	}

	allowed := evaluate(container.User, key)
	c.cache.Store(apiKey, key, allowed)
	return decisionOf(allowed)
}

// HasPermission is Check as a pair: ok is false when the answer is
// unknown.
func (c *Client) HasPermission(key string) (allowed, ok bool) {
	d := c.Check(key)
	return d == Granted, d != Unknown
}

// ResetPermissions drops the cached decisions of this client's
// application. Call it whenever the signed-in user changes.
func (c *Client) ResetPermissions() {
	c.cache.Reset(c.app.APIKey())
}

// ModulePermissions checks the standard actions of section. The first
// letter of section is lower-cased to match permission keys.
func (c *Client) ModulePermissions(section string) ModulePermissions {
	s := lowerFirst(section)
	return ModulePermissions{
		Update: c.Check(s + ".update"),
		Create: c.Check(s + ".create"),
		Remove: c.Check(s + ".delete"),
		Read:   c.Check(s + ".read"),
		Full:   c.Check(s + ".full"),
	}
}

// evaluate looks key up in the user's grants. The key is split on "."
// into section and action; anything after a second "." is ignored. The
// section is matched exactly and the action case-insensitively; a key
// without an action only needs the section to be present.
func evaluate(user *appctx.User, key string) bool {
	if user == nil || user.Permissions == nil {
		return false
	}

	parts := strings.Split(key, ".")
	granted, ok := user.Permissions[parts[0]]
	if !ok {
		return false
	}
	if len(parts) == 1 {
		return true
	}
	action := parts[1]

	return slices.ContainsFunc(granted, func(a string) bool {
		return strings.EqualFold(a, action)
	})
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

// ============================================================================
// Access Control Entries
// ============================================================================

// Find lists the entries of section.
func (c *Client) Find(ctx context.Context, section string, opts Options) (*QueryModel[Entry], error) {
	var out QueryModel[Entry]
	if err := c.api.Get(ctx, pathSections+url.PathEscape(section), opts.Values(), &out); err != nil {
		return nil, fmt.Errorf("find permissions of %q: %w", section, err)
	}
	return &out, nil
}

// Actions lists the actions that can be granted.
func (c *Client) Actions(ctx context.Context, opts Options) (*QueryModel[Action], error) {
	var out QueryModel[Action]
	if err := c.api.Get(ctx, pathActions, opts.Values(), &out); err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return &out, nil
}

// Create saves entry and returns the entries the platform created for it.
func (c *Client) Create(ctx context.Context, entry Entry) ([]Entry, error) {
	var out []Entry
	if err := c.api.Post(ctx, pathPermissions, entry, &out); err != nil {
		return nil, fmt.Errorf("create permission in %q: %w", entry.Section, err)
	}
	return out, nil
}

// Remove revokes entry's actions from its role or user.
func (c *Client) Remove(ctx context.Context, entry Entry) error {
	q := url.Values{}
	if entry.Role != "" {
		q.Set("role", entry.Role)
	}
	if entry.UserName != "" {
		q.Set("username", entry.UserName)
	}
	for _, a := range entry.Actions {
		q.Add("actions", actionRef(a))
	}

	if err := c.api.Delete(ctx, pathSections+url.PathEscape(entry.Section), q); err != nil {
		return fmt.Errorf("remove permission in %q: %w", entry.Section, err)
	}
	return nil
}

func actionRef(a Action) string {
	if a.Abrv != "" {
		return a.Abrv
	}
	return a.Name
}

// TogglePermission grants action to entry's subject when action.Checked
// is set and revokes it otherwise. The request carries only that action.
func (c *Client) TogglePermission(ctx context.Context, entry Entry, action Action) error {
	req := entry
	req.Actions = []Action{action}

	if !action.Checked {
		return c.Remove(ctx, req)
	}

	_, err := c.Create(ctx, req)
	return err
}

// CreatePermission builds an unsaved entry granting nothing yet: every
// action is copied unchecked.
func (c *Client) CreatePermission(section string, actions []Action, subject Subject) Entry {
	entry := Entry{
		Section:  section,
		Role:     subject.RoleName,
		UserName: subject.UserName,
		Actions:  make([]Action, 0, len(actions)),
		Dirty:    true,
	}
	for _, a := range actions {
		a.Checked = false
		entry.Actions = append(entry.Actions, a)
	}
	return entry
}

// FindPermission returns the first entry of entries with entry's identity:
// the same section and the same non-empty role or the same non-empty user
// name. Matching is case-sensitive.
func (c *Client) FindPermission(entry Entry, entries []Entry) (*Entry, bool) {
	for i := range entries {
		if sameSubject(entry, entries[i]) {
			return &entries[i], true
		}
	}
	return nil, false
}

// Exists reports whether FindPermission finds entry in entries.
func (c *Client) Exists(entry Entry, entries []Entry) bool {
	_, ok := c.FindPermission(entry, entries)
	return ok
}

func sameSubject(a, b Entry) bool {
	if a.Section != b.Section {
		return false
	}
	if a.Role != "" && b.Role != "" && a.Role == b.Role {
		return true
	}
	return a.UserName != "" && b.UserName != "" && a.UserName == b.UserName
}

// ============================================================================
// Subjects
// ============================================================================

// PermissionSubjects lists users and roles together, sorted by name. The
// two lists are fetched concurrently. A list the caller is forbidden to
// see (403) counts as empty; any other failure fails the call.
func (c *Client) PermissionSubjects(ctx context.Context, opts Options) ([]Subject, error) {
	var users, roles []Subject

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = c.userSubjects(gctx, opts)
		return err
	})
	g.Go(func() error {
		var err error
		roles, err = c.roleSubjects(gctx, opts)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	subjects := make([]Subject, 0, len(users)+len(roles))
	subjects = append(subjects, users...)
	subjects = append(subjects, roles...)
	slices.SortStableFunc(subjects, func(a, b Subject) int {
		return strings.Compare(a.Name, b.Name)
	})
	return subjects, nil
}

func (c *Client) userSubjects(ctx context.Context, opts Options) ([]Subject, error) {
	var page QueryModel[User]
	err := c.api.Get(ctx, pathUsers, opts.Values(), &page)
	if forbidden(err) {
		c.logger.Debug("user list forbidden, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	out := make([]Subject, 0, len(page.Items))
	for _, u := range page.Items {
		out = append(out, Subject{
			ID:       u.ID,
			Name:     u.UserName,
			UserName: u.UserName,
			Kind:     SubjectUser,
		})
	}
	return out, nil
}

func (c *Client) roleSubjects(ctx context.Context, opts Options) ([]Subject, error) {
	var page QueryModel[Role]
	err := c.api.Get(ctx, pathRoles, opts.Values(), &page)
	if forbidden(err) {
		c.logger.Debug("role list forbidden, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}

	out := make([]Subject, 0, len(page.Items))
	for _, r := range page.Items {
		out = append(out, Subject{
			ID:       r.ID,
			Name:     r.Name,
			RoleName: r.Name,
			Kind:     SubjectRole,
		})
	}
	return out, nil
}

// forbidden reports whether err carries HTTP 403. Transport errors expose
// their status through an HTTPStatus method.
func forbidden(err error) bool {
	var se interface{ HTTPStatus() int }
	return errors.As(err, &se) && se.HTTPStatus() == http.StatusForbidden
}
