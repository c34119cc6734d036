// Package session implements the session manager (C9): session
// lifecycle, the mode catalog and its transitions, and per-session
// cancellation fan-out across the tool-call, permission, and terminal
// subsystems.
package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/permission"
	"github.com/mark3labs/acp-adapter/internal/terminal"
	"github.com/mark3labs/acp-adapter/internal/toolcall"
)

// absoluteCwd matches a Unix absolute path or a Windows drive-letter
// absolute path (with either separator), per §6's validation invariant.
var absoluteCwd = regexp.MustCompile(`^(/|[A-Za-z]:[\\/])`)

// ValidateCwd enforces §6: cwd must be a non-empty string matching
// absoluteCwd. Call sites that only ever have a string in hand (having
// already rejected non-string JSON shapes) use this directly; an adapter
// decoding a raw `any` should check its type first and raise "cwd must be
// a string" itself.
func ValidateCwd(cwd string) error {
	if cwd == "" || !absoluteCwd.MatchString(cwd) {
		return jsonrpc.InvalidParams("cwd must be an absolute path")
	}
	return nil
}

// Session is a logical conversation: a working directory, a mode, and
// process-lifetime scratch state (§3).
type Session struct {
	ID        string
	Cwd       string
	Name      string
	Mode      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOptions carries the optional fields createSession accepts beyond cwd.
type NewOptions struct {
	Name string
	Mode string
}

// Manager is the session manager (C9). It owns the session map and
// delegates cancellation fan-out to the tool-call manager, permission
// broker, and terminal manager.
type Manager struct {
	catalog   *Catalog
	toolCalls *toolcall.Manager
	perms     *permission.Broker
	terminals *terminal.Manager

	mu   sync.Mutex
	byID map[string]*Session
}

// NewManager builds a Manager. catalog supplies the fixed mode set;
// toolCalls/perms/terminals back cancelSession's fan-out.
func NewManager(catalog *Catalog, toolCalls *toolcall.Manager, perms *permission.Broker, terminals *terminal.Manager) *Manager {
	if catalog == nil {
		catalog = NewCatalog(DefaultCatalog())
	}
	return &Manager{
		catalog:   catalog,
		toolCalls: toolCalls,
		perms:     perms,
		terminals: terminals,
		byID:      make(map[string]*Session),
	}
}

func (m *Manager) newID() string {
	return "sess_" + uuid.New().String()
}

// CreateSession validates cwd, assigns a new id, and stores a session in
// opts.Mode (or the catalog default).
func (m *Manager) CreateSession(cwd string, opts NewOptions) (*Session, error) {
	if err := ValidateCwd(cwd); err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = m.catalog.Default()
	}
	if _, ok := m.catalog.Get(mode); !ok {
		return nil, jsonrpc.InvalidParams(fmt.Sprintf("unknown mode %q", mode))
	}

	now := time.Now()
	s := &Session{
		ID:        m.newID(),
		Cwd:       cwd,
		Name:      opts.Name,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.byID[s.ID] = s
	m.mu.Unlock()

	return s, nil
}

// LoadSession validates cwd and rehydrates (or re-registers) a session
// under id, as session/load's entry point.
func (m *Manager) LoadSession(id, cwd string, opts NewOptions) (*Session, error) {
	if err := ValidateCwd(cwd); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[id]; ok {
		existing.Cwd = cwd
		existing.UpdatedAt = time.Now()
		return existing, nil
	}

	mode := opts.Mode
	if mode == "" {
		mode = m.catalog.Default()
	}
	if _, ok := m.catalog.Get(mode); !ok {
		return nil, jsonrpc.InvalidParams(fmt.Sprintf("unknown mode %q", mode))
	}

	now := time.Now()
	s := &Session{ID: id, Cwd: cwd, Name: opts.Name, Mode: mode, CreatedAt: now, UpdatedAt: now}
	m.byID[id] = s
	return s, nil
}

// GetSession returns the session tracked under id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// ListSessions returns every tracked session, in no particular order.
func (m *Manager) ListSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// Catalog returns the mode catalog this manager validates against.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// SetSessionMode validates modeId against the catalog and switches id's
// mode, returning the previous mode id.
func (m *Manager) SetSessionMode(id, modeID string) (previous string, err error) {
	if _, ok := m.catalog.Get(modeID); !ok {
		return "", jsonrpc.InvalidParams(fmt.Sprintf("unknown mode %q", modeID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return "", jsonrpc.InvalidParams(fmt.Sprintf("unknown session %q", id))
	}
	previous = s.Mode
	s.Mode = modeID
	s.UpdatedAt = time.Now()
	return previous, nil
}

// CancelSession runs the §5 cancellation fan-out: every non-terminal tool
// call of the session fails, every pending permission request of the
// session resolves cancelled, and every terminal of the session is
// released. Each delegate is best-effort and independent of the others.
func (m *Manager) CancelSession(ctx context.Context, id string) {
	if m.toolCalls != nil {
		m.toolCalls.CancelSession(ctx, id)
	}
	if m.perms != nil {
		m.perms.CancelSession(id)
	}
	if m.terminals != nil {
		m.terminals.ReleaseSession(ctx, id)
	}
}
