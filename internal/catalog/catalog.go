// Package catalog implements the read-only ModelCatalog described in
// SPEC_FULL.md §4.4, loading model definitions from a JSON manifest the way
// pkg/inference/models reads its metadata file.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/docker/go-units"
)

// ModelFile is one file belonging to a ModelDefinition. Digest, when set, is
// an OCI-style "sha256:..." reference the ModelManager verifies after
// download (see internal/models/download.go).
type ModelFile struct {
	FileName string   `json:"fileName"`
	Group    string   `json:"group,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Type     string   `json:"type,omitempty"`
	URLs     []string `json:"urls"`
	Digest   string   `json:"digest,omitempty"`
}

// EntryPoint describes how a runner should be invoked for this model.
type EntryPoint struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Definition is an immutable catalog entry.
type Definition struct {
	ID         string      `json:"id"`
	Runner     string      `json:"runner"`
	Files      []ModelFile `json:"files"`
	RamGB      int         `json:"ramGB"`
	Backend    string      `json:"backend"`
	EntryPoint *EntryPoint `json:"entry_point,omitempty"`
	Name       string      `json:"name,omitempty"`
	Version    string      `json:"version,omitempty"`
}

// manifest is the root object of the manifest file: {"models": [...]}.
type manifest struct {
	Models []Definition `json:"models"`
}

// Catalog is the read-only, in-memory set of model definitions loaded from a
// manifest at startup. No mutation is exposed after Load.
type Catalog struct {
	byID  map[string]Definition
	order []string
}

// Load reads and parses the manifest at path. Unknown JSON keys are
// tolerated per SPEC_FULL.md §6.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading manifest: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses manifest JSON already held in memory, primarily for
// tests and embedded manifests.
func LoadBytes(data []byte) (*Catalog, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("catalog: parsing manifest: %w", err)
	}

	c := &Catalog{
		byID:  make(map[string]Definition, len(m.Models)),
		order: make([]string, 0, len(m.Models)),
	}
	for _, def := range m.Models {
		if _, dup := c.byID[def.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", def.ID)
		}
		c.byID[def.ID] = def
		c.order = append(c.order, def.ID)
	}
	return c, nil
}

// Get returns the definition for id, or false if it is not in the catalog.
func (c *Catalog) Get(id string) (Definition, bool) {
	def, ok := c.byID[id]
	return def, ok
}

// CompatibleWith returns every definition whose Runner field matches
// runnerName, in manifest order.
func (c *Catalog) CompatibleWith(runnerName string) []Definition {
	var out []Definition
	for _, id := range c.order {
		if def := c.byID[id]; def.Runner == runnerName {
			out = append(out, def)
		}
	}
	return out
}

// All returns every definition, in manifest order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// RamGBHuman renders d's RAM requirement as a human-readable size, reading
// RamGB as 10^9 bytes and formatting in binary units, e.g. "3.725GiB" for
// RamGB == 4.
func (d Definition) RamGBHuman() string {
	return units.BytesSize(float64(d.RamGB) * 1e9)
}
