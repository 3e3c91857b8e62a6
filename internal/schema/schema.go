// Package schema holds the server's sync schema: which logical tables are
// replicated, how rows are filtered and projected per user, and which
// conflict strategy each table runs.
package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/driftlab/driftsync/internal/sync"
)

// Transform rewrites a row before it leaves the server (projection,
// redaction). It must not mutate its input.
type Transform func(sync.Row) sync.Row

// Table configures one synced logical table.
type Table struct {
	// Name is the logical table name carried in operations.
	Name string
	// Physical is the backing table; defaults to Name.
	Physical string
	// Columns optionally projects the fields visible to clients.
	Columns []string
	// Where returns a row filter for the given user, or nil when the
	// table is public. A non-nil Where means the table enforces per-user
	// ownership via the row's user_id field.
	Where func(userID string) sync.Row
	// Transform optionally rewrites every record leaving the server.
	Transform Transform
	// ConflictResolution defaults to last-write-wins.
	ConflictResolution sync.Strategy
}

// Strategy returns the table's conflict strategy, defaulted.
func (t Table) Strategy() sync.Strategy {
	if t.ConflictResolution.Valid() {
		return t.ConflictResolution
	}
	return sync.DefaultStrategy
}

// PhysicalName returns the backing table name.
func (t Table) PhysicalName() string {
	if t.Physical != "" {
		return t.Physical
	}
	return t.Name
}

// Apply runs the column projection and transform over a row copy.
func (t Table) Apply(row sync.Row) sync.Row {
	out := sync.CloneRow(row)
	if len(t.Columns) > 0 {
		projected := make(sync.Row, len(t.Columns)+4)
		for _, c := range t.Columns {
			if v, ok := out[c]; ok {
				projected[c] = v
			}
		}
		// Metadata always survives projection.
		for _, c := range []string{sync.FieldVersion, sync.FieldUpdatedAt, sync.FieldClientID, sync.FieldIsDeleted} {
			if v, ok := out[c]; ok {
				projected[c] = v
			}
		}
		out = projected
	}
	if t.Transform != nil {
		out = t.Transform(out)
	}
	return out
}

// Config is the full sync schema.
type Config struct {
	tables map[string]Table
}

// New builds a Config from the given tables.
func New(tables ...Table) *Config {
	c := &Config{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		c.tables[t.Name] = t
	}
	return c
}

// Add registers or replaces a table.
func (c *Config) Add(t Table) {
	c.tables[t.Name] = t
}

// Lookup returns the config for a logical table name.
func (c *Config) Lookup(name string) (Table, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// Tables returns all configured tables sorted by name so pull iteration
// order is stable.
func (c *Config) Tables() []Table {
	out := make([]Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// yamlTable is the declarative subset of Table loadable from the server
// config file. Transforms stay code-registered.
type yamlTable struct {
	Name               string   `yaml:"name"`
	Physical           string   `yaml:"table,omitempty"`
	Columns            []string `yaml:"columns,omitempty"`
	OwnerFilter        bool     `yaml:"owner_filter,omitempty"`
	ConflictResolution string   `yaml:"conflict_resolution,omitempty"`
}

// LoadFile reads a YAML table list and builds a Config. Tables with
// owner_filter get a Where that restricts rows to the requesting user.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var raw struct {
		Tables []yamlTable `yaml:"tables"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	cfg := New()
	for _, yt := range raw.Tables {
		if yt.Name == "" {
			return nil, fmt.Errorf("parse schema: table with empty name")
		}
		strategy := sync.Strategy(yt.ConflictResolution)
		if yt.ConflictResolution != "" && !strategy.Valid() {
			return nil, fmt.Errorf("parse schema: table %s: unknown conflict_resolution %q", yt.Name, yt.ConflictResolution)
		}
		t := Table{
			Name:               yt.Name,
			Physical:           yt.Physical,
			Columns:            yt.Columns,
			ConflictResolution: strategy,
		}
		if yt.OwnerFilter {
			t.Where = func(userID string) sync.Row {
				return sync.Row{"user_id": userID}
			}
		}
		cfg.Add(t)
	}
	return cfg, nil
}
