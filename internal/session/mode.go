package session

// PermissionBehavior selects how the permissions broker treats requests
// raised while a mode is active.
type PermissionBehavior string

const (
	BehaviorStrict     PermissionBehavior = "strict"
	BehaviorPermissive PermissionBehavior = "permissive"
	BehaviorAuto       PermissionBehavior = "auto"
)

// Mode is one entry of the fixed §4.9 mode catalog. AvailableTools names
// the tool groups a session in that mode may use; it is nil for a mode
// that declares no tools (the default ask mode).
type Mode struct {
	ID                 string
	Name               string
	Description        string
	PermissionBehavior PermissionBehavior
	AvailableTools     []string
	SystemPrompt       string
}

// ModeAsk, ModePlan, and ModeAgent are the fixed §4.9 catalog: tool
// visibility increases monotonically (plan ⊇ ask, agent ⊇ plan).
const (
	ModeAsk   = "ask"
	ModePlan  = "plan"
	ModeAgent = "agent"
)

// DefaultCatalog returns the fixed three-mode catalog in declaration
// order (ask, plan, agent).
func DefaultCatalog() []Mode {
	return []Mode{
		{
			ID:                 ModeAsk,
			Name:               "Ask",
			Description:        "Answers questions; no tool execution.",
			PermissionBehavior: BehaviorStrict,
		},
		{
			ID:                 ModePlan,
			Name:               "Plan",
			Description:        "Reads and searches the workspace to build a plan.",
			PermissionBehavior: BehaviorStrict,
			AvailableTools:     []string{"filesystem"},
		},
		{
			ID:                 ModeAgent,
			Name:               "Agent",
			Description:        "Reads, edits, and executes commands to carry out a task.",
			PermissionBehavior: BehaviorStrict,
			AvailableTools:     []string{"filesystem", "terminal"},
		},
	}
}

// Catalog indexes a fixed set of modes by id, preserving declaration
// order for listing.
type Catalog struct {
	order []string
	byID  map[string]Mode
}

// NewCatalog builds a Catalog from modes, in the given order.
func NewCatalog(modes []Mode) *Catalog {
	c := &Catalog{byID: make(map[string]Mode, len(modes))}
	for _, m := range modes {
		c.order = append(c.order, m.ID)
		c.byID[m.ID] = m
	}
	return c
}

// Get looks up a mode by id.
func (c *Catalog) Get(id string) (Mode, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// IDs returns every mode id in declaration order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Default returns the catalog's first entry, the default mode for a new
// session absent an explicit choice.
func (c *Catalog) Default() string {
	if len(c.order) == 0 {
		return ModeAsk
	}
	return c.order[0]
}
