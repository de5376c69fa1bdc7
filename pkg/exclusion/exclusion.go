// Package exclusion decides whether a capture should be suppressed. The
// site-wide flags live in durable key-value storage and are read on every
// call, so a change made by one process or request is seen by the next
// capture. Whether the caller is an admin is a per-visitor fact kept in the
// caller's own session scope.
package exclusion

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sitepulse/sitepulse/pkg/identity"
	"github.com/sitepulse/sitepulse/pkg/kv"
)

// Persisted site-wide flag keys.
const (
	KeyDisabled       = "analytics:disabled"
	KeyAdminExclusion = "analytics:exclude_admin"
)

// AdminUserKey marks a visitor as an admin in their session scope.
const AdminUserKey = "sitepulse_is_admin"

// DefaultAdminPrefix is the path prefix of the administrative surface.
const DefaultAdminPrefix = "/admin"

// State is the exclusion state seen by one visitor.
type State struct {
	DisabledGlobally      bool `json:"disabled_globally"`
	AdminExclusionEnabled bool `json:"admin_exclusion_enabled"`
	CurrentUserIsAdmin    bool `json:"current_user_is_admin"`
}

// Status is the derived state for display on an admin settings surface.
type Status struct {
	Disabled              bool `json:"disabled"`
	AdminExcluded         bool `json:"admin_excluded"`
	AdminExclusionEnabled bool `json:"admin_exclusion_enabled"`
	CurrentUserIsAdmin    bool `json:"current_user_is_admin"`
	OnAdminPage           bool `json:"on_admin_page"`
	Excluded              bool `json:"excluded"`
}

// Policy holds the exclusion flags.
type Policy struct {
	db          kv.Store
	adminPrefix string
}

// New returns a policy over db. An empty adminPrefix uses DefaultAdminPrefix.
func New(db kv.Store, adminPrefix string) *Policy {
	if adminPrefix == "" {
		adminPrefix = DefaultAdminPrefix
	}
	return &Policy{db: db, adminPrefix: "/" + strings.Trim(adminPrefix, "/")}
}

// AdminPrefix returns the normalized admin path prefix.
func (p *Policy) AdminPrefix() string { return p.adminPrefix }

// IsAdminPath reports whether path is on the administrative surface. The
// prefix matches whole segments: "/admin" and "/admin/x" match, "/administer"
// does not.
func (p *Policy) IsAdminPath(path string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == p.adminPrefix {
		return true
	}
	return strings.HasPrefix(path, p.adminPrefix+"/")
}

// State reads the site-wide flags and the admin marker in scope. Unreadable
// flags count as unset; a nil scope is an anonymous visitor.
func (p *Policy) State(scope identity.Scope) State {
	return State{
		DisabledGlobally:      p.flag(KeyDisabled),
		AdminExclusionEnabled: p.flag(KeyAdminExclusion),
		CurrentUserIsAdmin:    IsAdmin(scope),
	}
}

// IsAdmin reports whether scope carries the admin marker.
func IsAdmin(scope identity.Scope) bool {
	if scope == nil {
		return false
	}
	v, ok := scope.Get(AdminUserKey)
	return ok && v == "true"
}

// Excluded applies the suppression rule to a state and a path.
func (s State) Excluded(onAdminPage bool) bool {
	return s.DisabledGlobally || onAdminPage || (s.AdminExclusionEnabled && s.CurrentUserIsAdmin)
}

// ShouldSuppress reports whether a capture on path by the visitor owning
// scope must be dropped.
func (p *Policy) ShouldSuppress(path string, scope identity.Scope) bool {
	return p.State(scope).Excluded(p.IsAdminPath(path))
}

// Status returns the derived state for path as seen by the visitor owning
// scope.
func (p *Policy) Status(path string, scope identity.Scope) Status {
	st := p.State(scope)
	onAdmin := p.IsAdminPath(path)
	return Status{
		Disabled:              st.DisabledGlobally,
		AdminExcluded:         st.AdminExclusionEnabled && st.CurrentUserIsAdmin,
		AdminExclusionEnabled: st.AdminExclusionEnabled,
		CurrentUserIsAdmin:    st.CurrentUserIsAdmin,
		OnAdminPage:           onAdmin,
		Excluded:              st.Excluded(onAdmin),
	}
}

// Disable turns analytics off everywhere.
func (p *Policy) Disable() error {
	return p.setFlag(KeyDisabled, true)
}

// Enable clears the global disable flag.
func (p *Policy) Enable() error {
	return p.setFlag(KeyDisabled, false)
}

// SetAdminExclusion toggles suppression of captures made by admin users.
func (p *Policy) SetAdminExclusion(enabled bool) error {
	return p.setFlag(KeyAdminExclusion, enabled)
}

// SetCurrentUserAdmin marks the visitor owning scope as an admin or not.
// Other visitors are unaffected.
func (p *Policy) SetCurrentUserAdmin(scope identity.Scope, isAdmin bool) error {
	if scope == nil {
		return errors.New("exclusion.SetCurrentUserAdmin: no session scope")
	}
	if err := scope.Set(AdminUserKey, fmt.Sprint(isAdmin)); err != nil {
		return fmt.Errorf("exclusion.SetCurrentUserAdmin: %w", err)
	}
	slog.Info("visitor admin marker updated", "value", isAdmin)
	return nil
}

func (p *Policy) flag(key string) bool {
	v, err := p.db.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return false
	}
	if err != nil {
		slog.Warn("exclusion flag unreadable, treating as unset", "key", key, "error", err)
		return false
	}
	return string(v) == "true"
}

func (p *Policy) setFlag(key string, on bool) error {
	if err := p.db.Set(key, []byte(fmt.Sprint(on))); err != nil {
		return fmt.Errorf("exclusion.setFlag %s: %w", key, err)
	}
	slog.Info("analytics flag updated", "key", key, "value", on)
	return nil
}
