// Package catalog resolves table identifiers to their schema, options and
// WAL region. Tables come from configuration or are created at runtime;
// nothing here is persisted.
package catalog

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"strata/config"
	"strata/domain/table"
	"strata/infra/wal"
)

var (
	ErrUnknownTable = errors.New("unknown table")
	ErrTableExists  = errors.New("table already exists")
)

// Table is a resolved catalog entry. Every table currently owns a single
// region, partition 0.
type Table struct {
	Ident   table.Identifier
	Schema  table.Schema
	Options table.Options
	Region  wal.RegionID
}

type Catalog struct {
	mu     sync.RWMutex
	tables map[table.Identifier]*Table
}

func New() *Catalog {
	return &Catalog{tables: make(map[table.Identifier]*Table)}
}

// FromConfig builds a catalog holding every configured table.
func FromConfig(defs []config.TableConfig) (*Catalog, error) {
	c := New()
	for i, tc := range defs {
		def, err := tc.Definition()
		if err != nil {
			return nil, errors.Wrapf(err, "tables[%d]", i)
		}
		if _, err := c.Create(def.Ident, def.Schema, def.Options); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Create(id table.Identifier, schema table.Schema, opts table.Options) (*Table, error) {
	if !id.Valid() {
		return nil, errors.Newf("table identifier %q is incomplete", id)
	}
	if err := schema.Validate(); err != nil {
		return nil, errors.Wrapf(err, "table %s", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[id]; ok {
		return nil, errors.Wrapf(ErrTableExists, "%s", id)
	}
	t := &Table{Ident: id, Schema: schema, Options: opts, Region: wal.RegionFor(id, 0)}
	c.tables[id] = t
	return t, nil
}

func (c *Catalog) Resolve(id table.Identifier) (*Table, error) {
	c.mu.RLock()
	t, ok := c.tables[id]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTable, "%s", id)
	}
	return t, nil
}

// ByRegion finds the table owning region.
func (c *Catalog) ByRegion(region wal.RegionID) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tables {
		if t.Region == region {
			return t, true
		}
	}
	return nil, false
}

// Drop removes the table and returns the removed entry.
func (c *Catalog) Drop(id table.Identifier) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTable, "%s", id)
	}
	delete(c.tables, id)
	return t, nil
}

// List returns tables sorted by identifier.
func (c *Catalog) List() []*Table {
	c.mu.RLock()
	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ident.String() < out[j].Ident.String() })
	return out
}
