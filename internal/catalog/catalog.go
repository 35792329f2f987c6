package catalog

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// TypeInfo is the reference record for one item type.
type TypeInfo struct {
	TypeID       int32
	TypeName     string
	GroupID      int32
	GroupName    string
	CategoryID   int32
	CategoryName string
}

// Catalog is an in-memory type lookup, read-only after construction.
// Unknown ids are logged once per id per cycle; lookups never fail hard.
type Catalog struct {
	byID map[int32]TypeInfo

	mu     sync.Mutex
	missed map[int32]bool
}

// New builds a catalog from reference rows.
func New(rows []TypeInfo) *Catalog {
	byID := make(map[int32]TypeInfo, len(rows))
	for _, r := range rows {
		byID[r.TypeID] = r
	}
	return &Catalog{byID: byID, missed: make(map[int32]bool)}
}

// Lookup returns the TypeInfo for id. When the id is unknown it returns a
// zero-valued record carrying the id, logs the miss once per cycle, and
// reports ok=false.
func (c *Catalog) Lookup(id int32) (TypeInfo, bool) {
	if info, ok := c.byID[id]; ok {
		return info, true
	}
	c.mu.Lock()
	if !c.missed[id] {
		c.missed[id] = true
		log.Warn().Int32("type_id", id).Msg("type id not in catalog")
	}
	c.mu.Unlock()
	return TypeInfo{TypeID: id}, false
}

// TypeTarget is implemented by derived rows that denormalize reference
// columns. Each row type owns its own field mapping.
type TypeTarget interface {
	SetTypeInfo(TypeInfo)
}

// Enrich left-joins the reference record for id onto dst. Unknown ids leave
// dst untouched and report false, with the usual once-per-cycle miss log.
func (c *Catalog) Enrich(id int32, dst TypeTarget) bool {
	info, ok := c.Lookup(id)
	if !ok {
		return false
	}
	dst.SetTypeInfo(info)
	return true
}

// Name returns the type name, or "" when unknown.
func (c *Catalog) Name(id int32) string {
	info, _ := c.Lookup(id)
	return info.TypeName
}

// Len reports how many types are loaded.
func (c *Catalog) Len() int {
	return len(c.byID)
}

// ResetMisses clears the once-per-cycle miss log state. The pipeline calls
// this at the start of each cycle.
func (c *Catalog) ResetMisses() {
	c.mu.Lock()
	c.missed = make(map[int32]bool)
	c.mu.Unlock()
}
