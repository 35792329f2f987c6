// Package doctrine turns fit specifications and current market stats into
// per-component availability: how many complete ship configurations the hub
// can supply right now.
package doctrine

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"hubstock/internal/catalog"
	"hubstock/internal/stats"
)

// RetiredFitPrefix marks fits that are kept in the fitting database but no
// longer stocked. Convention inherited from the fitting editor.
const RetiredFitPrefix = "zz "

// Component is one line of a fit's bill of materials.
type Component struct {
	TypeID   int32
	Quantity int64
}

// Fit is a named ship configuration: the hull plus required components.
type Fit struct {
	FitID        int64
	FitName      string
	DoctrineID   int64
	DoctrineName string
	ShipTypeID   int32
	ShipTypeName string
	Components   []Component
}

// Retired reports whether the fit carries the retirement sentinel prefix.
func (f *Fit) Retired() bool {
	return strings.HasPrefix(f.FitName, RetiredFitPrefix)
}

// FitCatalog is the read-only seam to the fitting database.
type FitCatalog interface {
	// ListActiveFits returns the operator's watched fits, retired fits
	// already excluded.
	ListActiveFits() ([]Fit, error)
	// ReferencedTypes returns every type id any watched fit references,
	// hulls included.
	ReferencedTypes() ([]int32, error)
}

// Row is the availability of one component of one fit.
type Row struct {
	FitID        int64
	TypeID       int32
	FitName      string
	ShipName     string
	ShipTypeID   int32
	ItemName     string
	Quantity     int64
	Stock        int64
	FitsOnMarket int64
	Delta        int64
	DoctrineID   int64
	DoctrineName string
	GroupID      int32
	GroupName    string
	CategoryID   int32
	CategoryName string

	PriceLowPercentile float64
	AvgDailyVolume     float64
	DaysRemaining      float64
	AvgOfAvgPrice      float64

	Timestamp time.Time
}

// SetTypeInfo denormalizes the reference columns onto the row; the type name
// lands in the item column. Implements catalog.TypeTarget.
func (r *Row) SetTypeInfo(info catalog.TypeInfo) {
	r.ItemName = info.TypeName
	r.GroupID = info.GroupID
	r.GroupName = info.GroupName
	r.CategoryID = info.CategoryID
	r.CategoryName = info.CategoryName
}

// Evaluate explodes each fit into required components, joins against current
// stats, and computes fits-on-market and the shortfall against target. All
// component rows are emitted so the binding constraint is visible; retired
// fits and fits with no components are dropped.
func Evaluate(fits []Fit, marketStats []stats.Stat, target int, cat *catalog.Catalog, ts time.Time) []Row {
	statByID := make(map[int32]stats.Stat, len(marketStats))
	for _, s := range marketStats {
		statByID[s.TypeID] = s
	}

	var out []Row
	for _, fit := range fits {
		if fit.Retired() {
			continue
		}

		required := explode(fit)
		if len(required) == 0 {
			log.Warn().Int64("fit_id", fit.FitID).Str("fit", fit.FitName).Msg("fit has no components, dropping")
			continue
		}

		for _, comp := range required {
			row := Row{
				FitID:        fit.FitID,
				TypeID:       comp.TypeID,
				FitName:      fit.FitName,
				ShipName:     fit.ShipTypeName,
				ShipTypeID:   fit.ShipTypeID,
				Quantity:     comp.Quantity,
				DoctrineID:   fit.DoctrineID,
				DoctrineName: fit.DoctrineName,
				Timestamp:    ts,
			}

			if s, ok := statByID[comp.TypeID]; ok {
				row.Stock = s.TotalVolumeRemain
				row.PriceLowPercentile = s.PriceLowPercentile
				row.AvgDailyVolume = s.AvgDailyVolume
				row.DaysRemaining = s.DaysRemaining
				row.AvgOfAvgPrice = s.AvgOfAvgPrice
			}

			if comp.Quantity > 0 {
				row.FitsOnMarket = row.Stock / comp.Quantity
			}
			row.Delta = row.FitsOnMarket - int64(target)

			// A hull unknown to the catalog still gets a row, with
			// blank names.
			cat.Enrich(comp.TypeID, &row)

			out = append(out, row)
		}
	}
	return out
}

// explode collapses duplicate component lines by summing quantities and
// guarantees the hull appears exactly once: injected with quantity 1 when
// absent, left alone when the fit already lists it.
func explode(fit Fit) []Component {
	qty := make(map[int32]int64, len(fit.Components)+1)
	for _, c := range fit.Components {
		qty[c.TypeID] += c.Quantity
	}
	if _, ok := qty[fit.ShipTypeID]; !ok && fit.ShipTypeID != 0 {
		qty[fit.ShipTypeID] = 1
	}

	out := make([]Component, 0, len(qty))
	for id, q := range qty {
		out = append(out, Component{TypeID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}

// MinFits returns the per-fit availability: the minimum fits-on-market
// across each fit's components, the binding-constraint semantics.
func MinFits(rows []Row) map[int64]int64 {
	min := make(map[int64]int64)
	for _, r := range rows {
		if cur, ok := min[r.FitID]; !ok || r.FitsOnMarket < cur {
			min[r.FitID] = r.FitsOnMarket
		}
	}
	return min
}

// ReferencedTypeSet is a helper for building the cycle watchlist: the union
// of every component and hull type across the given fits.
func ReferencedTypeSet(fits []Fit) []int32 {
	seen := make(map[int32]bool)
	for _, f := range fits {
		if f.Retired() {
			continue
		}
		for _, c := range f.Components {
			seen[c.TypeID] = true
		}
		if f.ShipTypeID != 0 {
			seen[f.ShipTypeID] = true
		}
	}
	out := make([]int32, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
