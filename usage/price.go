package usage

import "sort"

// Price is the cost in currency units per million tokens.
type Price struct {
	InputPerMTok  float64 `json:"input_per_mtok" mapstructure:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" mapstructure:"output_per_mtok" yaml:"output_per_mtok"`
	// CachedPerMTok prices cached input tokens. Zero means cached tokens are
	// charged at the input rate.
	CachedPerMTok float64 `json:"cached_per_mtok,omitempty" mapstructure:"cached_per_mtok" yaml:"cached_per_mtok,omitempty"`
}

// PriceTable maps model names to prices.
type PriceTable map[string]Price

// CostReport is the estimated cost of a set of records.
type CostReport struct {
	Total   float64            `json:"total"`
	ByPhase map[string]float64 `json:"by_phase"`
	ByModel map[string]float64 `json:"by_model"`
	// Unpriced lists models without a price entry. Their records cost zero.
	Unpriced []string `json:"unpriced,omitempty"`
}

// Price returns the cost of a single record and whether its model is priced.
func (pt PriceTable) Price(r Record) (float64, bool) {
	p, ok := pt[r.Model]
	if !ok {
		return 0, false
	}

	cached := r.CachedTokens
	if cached > r.InputTokens {
		cached = r.InputTokens
	}
	cachedRate := p.CachedPerMTok
	if cachedRate == 0 {
		cachedRate = p.InputPerMTok
	}

	cost := float64(r.InputTokens-cached)*p.InputPerMTok +
		float64(cached)*cachedRate +
		float64(r.OutputTokens)*p.OutputPerMTok
	return cost / 1_000_000, true
}

// Cost prices records.
func (pt PriceTable) Cost(records []Record) CostReport {
	rep := CostReport{ByPhase: map[string]float64{}, ByModel: map[string]float64{}}
	unpriced := map[string]bool{}

	for _, r := range records {
		c, ok := pt.Price(r)
		if !ok {
			unpriced[r.Model] = true
			continue
		}
		rep.Total += c
		rep.ByPhase[r.Phase] += c
		rep.ByModel[r.Model] += c
	}

	for m := range unpriced {
		rep.Unpriced = append(rep.Unpriced, m)
	}
	sort.Strings(rep.Unpriced)
	return rep
}
