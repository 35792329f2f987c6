// Package stats reduces the live order book and recent history into
// per-item market statistics.
package stats

import (
	"math"
	"sort"
	"time"

	"hubstock/internal/catalog"
	"hubstock/internal/esi"
)

// Stat is the per-item market summary for one cycle.
type Stat struct {
	TypeID             int32
	TotalVolumeRemain  int64
	MinPrice           float64
	PriceLowPercentile float64
	AvgOfAvgPrice      float64
	AvgDailyVolume     float64
	GroupID            int32
	TypeName           string
	GroupName          string
	CategoryID         int32
	CategoryName       string
	DaysRemaining      float64

	// Comparator prices from the reference market; zero when the
	// augmenter was skipped or failed. Not persisted in market_stats.
	JitaSell float64
	JitaBuy  float64

	Timestamp time.Time
}

// SetTypeInfo denormalizes the reference columns onto the row. Implements
// catalog.TypeTarget.
func (s *Stat) SetTypeInfo(info catalog.TypeInfo) {
	s.TypeName = info.TypeName
	s.GroupID = info.GroupID
	s.GroupName = info.GroupName
	s.CategoryID = info.CategoryID
	s.CategoryName = info.CategoryName
}

// LowPercentile is the order-statistic quantile used for the "realistic
// floor" price: low enough to ignore a single dumped order, high enough to
// reflect what a buyer actually pays.
const LowPercentile = 0.05

// Aggregate reduces sell orders and the trailing history window into one
// Stat per watchlisted type. Types with no orders or no history get zeroes
// on the missing side; every watchlisted type yields exactly one row.
func Aggregate(orders []esi.Order, history []esi.HistoryPoint, watchlist []int32, cat *catalog.Catalog, now time.Time, lookbackDays int) []Stat {
	type orderAgg struct {
		volume int64
		prices []float64
	}

	want := make(map[int32]bool, len(watchlist))
	for _, id := range watchlist {
		want[id] = true
	}

	// Sell side only; buy orders never count toward stock.
	byType := make(map[int32]*orderAgg)
	for _, o := range orders {
		if o.IsBuyOrder || !want[o.TypeID] {
			continue
		}
		agg := byType[o.TypeID]
		if agg == nil {
			agg = &orderAgg{}
			byType[o.TypeID] = agg
		}
		agg.volume += o.VolumeRemain
		agg.prices = append(agg.prices, o.Price)
	}

	type histAgg struct {
		priceSum  float64
		volumeSum int64
		days      int
	}
	cutoff := now.UTC().AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	byHist := make(map[int32]*histAgg)
	for _, h := range history {
		if h.Date < cutoff {
			continue
		}
		agg := byHist[h.TypeID]
		if agg == nil {
			agg = &histAgg{}
			byHist[h.TypeID] = agg
		}
		agg.priceSum += h.Average
		agg.volumeSum += h.Volume
		agg.days++
	}

	ids := make([]int32, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ts := now.UTC()
	out := make([]Stat, 0, len(ids))
	for _, id := range ids {
		s := Stat{TypeID: id, Timestamp: ts}

		if agg := byType[id]; agg != nil {
			sort.Float64s(agg.prices)
			s.TotalVolumeRemain = agg.volume
			s.MinPrice = agg.prices[0]
			s.PriceLowPercentile = Percentile(agg.prices, LowPercentile)
		}
		if agg := byHist[id]; agg != nil && agg.days > 0 {
			s.AvgOfAvgPrice = round2(agg.priceSum / float64(agg.days))
			s.AvgDailyVolume = round2(float64(agg.volumeSum) / float64(agg.days))
		}
		if s.AvgDailyVolume > 0 {
			s.DaysRemaining = round1(float64(s.TotalVolumeRemain) / s.AvgDailyVolume)
		}

		cat.Enrich(id, &s)

		s.sanitize()
		out = append(out, s)
	}
	return out
}

// Percentile computes the continuous q-quantile of sorted values with linear
// interpolation between adjacent order statistics: index (n-1)*q, fractional
// part interpolated. One sample per order; quantities do not weight it.
func Percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := float64(n-1) * q
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// sanitize coerces any non-finite metric to zero; NaN and Inf are never
// emitted.
func (s *Stat) sanitize() {
	for _, f := range []*float64{&s.MinPrice, &s.PriceLowPercentile, &s.AvgOfAvgPrice, &s.AvgDailyVolume, &s.DaysRemaining, &s.JitaSell, &s.JitaBuy} {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
	if s.TotalVolumeRemain < 0 {
		s.TotalVolumeRemain = 0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
