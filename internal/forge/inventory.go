package forge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/google/renameio"
)

// State is the build state of a package in a prefix.
type State string

const (
	StateFetched    State = "fetched"
	StateConfigured State = "configured"
	StateMade       State = "made"
	StateInstalled  State = "installed"
)

var ErrInvalidState = errors.New("invalid inventory state")

var validStates = map[State]string{
	StateFetched:    "Package source is in prefix, but not built.",
	StateConfigured: "Package source is configured.",
	StateMade:       "Package is built, but not installed.",
	StateInstalled:  "Package is installed into current prefix.",
}

// InventoryEntry is the persisted record for one package.
type InventoryEntry struct {
	State   State  `json:"state"`
	Version string `json:"version,omitempty"`
}

type inventoryFile struct {
	Packages map[string]*InventoryEntry `json:"packages"`
}

// Inventory is the per-prefix record of package build states.
//
// Except for Save, none of the methods write to the backing file. Access
// is single-writer; callers serialize concurrent use of one prefix.
type Inventory struct {
	path     string
	contents map[string]*InventoryEntry
	log      *log.Logger
}

// NewInventory creates an inventory backed by path and loads it.
func NewInventory(path string, logger *log.Logger) *Inventory {
	inv := &Inventory{
		path: path,
		log:  childLogger(logger, "inventory"),
	}
	inv.Load()
	return inv
}

// Load reads the inventory file, replacing any in-memory state. A missing
// or unreadable file yields an empty inventory.
func (inv *Inventory) Load() {
	inv.contents = make(map[string]*InventoryEntry)
	inv.log.Debug("loading inventory", "path", inv.path)

	data, err := os.ReadFile(inv.path)
	if err != nil {
		inv.log.Debug("no inventory file, starting empty", "err", err)
		return
	}
	var f inventoryFile
	if err := json.Unmarshal(data, &f); err != nil {
		inv.log.Debug("inventory file unreadable, starting empty", "err", err)
		return
	}
	for pkg, e := range f.Packages {
		if e == nil {
			continue
		}
		if _, ok := validStates[e.State]; !ok {
			inv.log.Debug("dropping entry with unknown state", "pkg", pkg, "state", e.State)
			continue
		}
		inv.contents[pkg] = e
	}
}

// Save writes the whole inventory to its file, replacing the previous
// content atomically.
func (inv *Inventory) Save() error {
	data, err := json.MarshalIndent(inventoryFile{Packages: inv.contents}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling inventory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(inv.path), 0o755); err != nil {
		return fmt.Errorf("creating inventory directory: %w", err)
	}
	if err := renameio.WriteFile(inv.path, data, 0o644); err != nil {
		return fmt.Errorf("writing inventory %s: %w", inv.path, err)
	}
	return nil
}

// Has reports whether pkg has an entry.
func (inv *Inventory) Has(pkg string) bool {
	_, ok := inv.contents[pkg]
	return ok
}

// Remove deletes the entry for pkg, if any.
func (inv *Inventory) Remove(pkg string) {
	delete(inv.contents, pkg)
}

// GetState returns the state of pkg; ok is false when pkg is unknown.
func (inv *Inventory) GetState(pkg string) (State, bool) {
	e, ok := inv.contents[pkg]
	if !ok {
		return "", false
	}
	return e.State, true
}

// SetState records state for pkg, creating the entry when needed. An
// invalid state returns ErrInvalidState and leaves the inventory unchanged.
func (inv *Inventory) SetState(pkg string, state State) error {
	if _, ok := validStates[state]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	e, ok := inv.contents[pkg]
	if !ok {
		e = &InventoryEntry{}
		inv.contents[pkg] = e
	}
	e.State = state
	return nil
}

// GetVersion returns the recorded version of pkg, or "".
func (inv *Inventory) GetVersion(pkg string) string {
	if e, ok := inv.contents[pkg]; ok {
		return e.Version
	}
	return ""
}

// SetVersion records the version of an existing entry. It is a no-op for
// unknown packages, since an entry needs a state to be valid.
func (inv *Inventory) SetVersion(pkg, version string) {
	if e, ok := inv.contents[pkg]; ok {
		e.Version = version
	}
}

// Packages returns the package ids in the inventory, sorted.
func (inv *Inventory) Packages() []string {
	out := make([]string, 0, len(inv.contents))
	for pkg := range inv.contents {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// ValidStates returns the states accepted by SetState.
func ValidStates() []State {
	return []State{StateFetched, StateConfigured, StateMade, StateInstalled}
}

// StateDescription returns a human readable explanation of s.
func StateDescription(s State) string {
	return validStates[s]
}
