// Package persona holds the immutable table of personas a chat can speak with.
package persona

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

const DefaultID = "zohaib"

// Persona bundles a system prompt with its display metadata.
type Persona struct {
	ID          string `toml:"id" json:"id"`
	Name        string `toml:"name" json:"name"`
	Icon        string `toml:"icon" json:"icon"`
	Description string `toml:"description" json:"description"`
	Instruction string `toml:"instruction" json:"-"`
}

// Registry is built once at start and never mutated afterwards.
type Registry struct {
	byID      map[string]Persona
	order     []string
	defaultID string
}

var builtins = []Persona{
	{
		ID:          DefaultID,
		Name:        "ZOHAIBXNO18",
		Icon:        "ZX",
		Description: "Direct, brotherly, mixes Hinglish, Urdu and English.",
		Instruction: "You are ZOHAIBXNO18, a private and direct AI persona created by LEGEND.\n\n" +
			"CORE DIRECTIVES:\n" +
			"1. IDENTITY: You are ZOHAIBXNO18. Do not mention Google, Gemini, or being an AI.\n" +
			"2. PERSONALITY: Alpha, direct, brotherly (\"Bhai\" vibes). Use Hinglish/Urdu/English naturally.\n" +
			"3. QUALITY: Sharp reasoning, correct code, honest answers.\n" +
			"4. SEARCH: Use Google Search only when needed for real-time facts. Always list the URLs found.",
	},
	{
		ID:          "coder",
		Name:        "Code Bhai",
		Icon:        "</>",
		Description: "Senior engineer. Short answers, working code first.",
		Instruction: "You are a senior software engineer. Answer with working code first, then a short explanation. " +
			"Prefer standard, idiomatic solutions. Point out bugs and edge cases plainly.",
	},
	{
		ID:          "mentor",
		Name:        "Ustaad",
		Icon:        "U",
		Description: "Patient teacher who explains step by step.",
		Instruction: "You are a patient teacher. Explain ideas step by step with small examples, " +
			"check understanding, and keep a warm, encouraging tone. Reply in the user's language.",
	},
	{
		ID:          "creative",
		Name:        "Fankaar",
		Icon:        "*",
		Description: "Storyteller and idea generator.",
		Instruction: "You are a creative writer. Offer vivid, original ideas, stories and names. " +
			"Keep answers playful but on topic.",
	},
}

// Builtin returns the registry of personas shipped with the binary.
func Builtin() *Registry {
	r, err := newRegistry(builtins, DefaultID)
	if err != nil {
		panic(err) // built-in table is static
	}
	return r
}

type fileFormat struct {
	Default  string    `toml:"default"`
	Personas []Persona `toml:"persona"`
}

// Load extends the built-in personas with the ones declared in a TOML file.
// Entries with an existing id replace the built-in definition. An empty path
// returns the built-in registry.
//
//	default = "coder"
//
//	[[persona]]
//	id = "coder"
//	name = "Code Bhai"
//	instruction = "..."
func Load(path string) (*Registry, error) {
	if path == "" {
		return Builtin(), nil
	}
	var f fileFormat
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode personas file %s: %w", path, err)
	}

	merged := append([]Persona(nil), builtins...)
	for _, p := range f.Personas {
		replaced := false
		for i := range merged {
			if merged[i].ID == p.ID {
				merged[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, p)
		}
	}

	defaultID := f.Default
	if defaultID == "" {
		defaultID = DefaultID
	}
	return newRegistry(merged, defaultID)
}

func newRegistry(personas []Persona, defaultID string) (*Registry, error) {
	r := &Registry{byID: make(map[string]Persona, len(personas)), defaultID: defaultID}
	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona %q has no id", p.Name)
		}
		if p.Instruction == "" {
			return nil, fmt.Errorf("persona %s has no instruction", p.ID)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %s", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		r.byID[p.ID] = p
		r.order = append(r.order, p.ID)
	}
	if _, ok := r.byID[defaultID]; !ok {
		return nil, fmt.Errorf("default persona %s is not defined", defaultID)
	}
	return r, nil
}

// Lookup returns the persona with the given id, if any.
func (r *Registry) Lookup(id string) (Persona, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Get resolves id, falling back to the default persona for unknown ids.
func (r *Registry) Get(id string) Persona {
	if p, ok := r.byID[id]; ok {
		return p
	}
	return r.byID[r.defaultID]
}

func (r *Registry) DefaultID() string {
	return r.defaultID
}

// List returns personas in declaration order.
func (r *Registry) List() []Persona {
	out := make([]Persona, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
