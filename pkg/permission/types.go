package permission

import (
	"net/url"
	"strconv"
)

// ============================================================================
// Access Control Entries
// ============================================================================

// Action is a single operation that can be granted within a section, such
// as "read" or "update".
type Action struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Abrv        string `json:"abrv,omitempty"`
	Description string `json:"description,omitempty"`

	// Checked marks the action as granted in an editing workflow.
	Checked bool `json:"checked"`
}

// Entry grants Actions in Section to either a role or a user. Identity
// within a collection is the section plus whichever of Role or UserName
// is set.
type Entry struct {
	ID       string   `json:"id,omitempty"`
	Section  string   `json:"section"`
	Role     string   `json:"role,omitempty"`
	UserName string   `json:"userName,omitempty"`
	Actions  []Action `json:"actions"`

	// Dirty marks an entry built locally and not yet saved.
	Dirty bool `json:"dirty,omitempty"`
}

// ============================================================================
// Subjects
// ============================================================================

// SubjectKind tells users and roles apart in a merged subject list.
type SubjectKind string

const (
	SubjectUser SubjectKind = "user"
	SubjectRole SubjectKind = "role"
)

// Subject is something a permission can be granted to. Name is the user
// name for users and the role name for roles; exactly one of UserName and
// RoleName is set.
type Subject struct {
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name"`
	UserName string      `json:"userName"`
	RoleName string      `json:"roleName"`
	Kind     SubjectKind `json:"kind"`
}

// User is a platform user as listed by the permissions endpoint.
type User struct {
	ID          string `json:"id,omitempty"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Role is a platform role as listed by the permissions endpoint.
type Role struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ============================================================================
// Queries
// ============================================================================

// QueryModel is one page of a list response.
type QueryModel[T any] struct {
	Items          []T `json:"item"`
	Page           int `json:"page"`
	RecordsPerPage int `json:"recordsPerPage"`
	TotalRecords   int `json:"totalRecords"`
}

// Options narrows a list request. Zero fields are left out of the query.
type Options struct {
	Search         string
	Page           int
	RecordsPerPage int

	// Sort is "field|asc" or "field|desc".
	Sort string
}

// Values renders the options as query parameters.
func (o Options) Values() url.Values {
	q := url.Values{}
	if o.Search != "" {
		q.Set("searchQuery", o.Search)
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.RecordsPerPage > 0 {
		q.Set("rpp", strconv.Itoa(o.RecordsPerPage))
	}
	if o.Sort != "" {
		q.Set("sort", o.Sort)
	}
	return q
}

// ============================================================================
// Decisions
// ============================================================================

// Decision is the outcome of a permission check. Unknown means nobody is
// signed in, which callers must not treat as Denied.
type Decision int

const (
	Unknown Decision = iota
	Denied
	Granted
)

func (d Decision) String() string {
	switch d {
	case Denied:
		return "denied"
	case Granted:
		return "granted"
	default:
		return "unknown"
	}
}

// Allowed reports whether d is Granted.
func (d Decision) Allowed() bool { return d == Granted }

func decisionOf(allowed bool) Decision {
	if allowed {
		return Granted
	}
	return Denied
}

// ModulePermissions is the set of standard checks for one section.
type ModulePermissions struct {
	Update Decision `json:"update"`
	Create Decision `json:"create"`
	Remove Decision `json:"remove"`
	Read   Decision `json:"read"`
	Full   Decision `json:"full"`
}
