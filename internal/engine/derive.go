package engine

import "github.com/vigiasubastas/monitor/internal/domain"

// Derived holds the Engine's computed metrics for one LineItem (spec §4.3,
// "Deriving metrics"). All fields are nullable: a nil pointer means the
// inputs did not allow computing that metric.
type Derived struct {
	CostUnitARS          *float64
	CostTotalARS         *float64
	CostUnitUSD          *float64
	CostTotalUSD         *float64
	PriceUnitAcceptable  *float64
	PriceTotalAcceptable *float64
	PriceRefUnit         *float64
	RentaRef             *float64
	PriceUnitMejora      *float64
	RentaParaMejorar     *float64
}

// DeriveMetrics implements spec §4.3's six numbered derivation rules. eq is
// the equivalent quantity (domain.EquivalentQuantity's first return value).
func DeriveMetrics(costs domain.LineItemCosts, eq float64, best, minToBeat, budget *float64) Derived {
	cuARS, ctARS := resolveCostPair(costs.UnitCostARS, costs.TotalCostARS, eq)

	var cuUSD, ctUSD *float64
	if costs.UnitCostUSD != nil {
		cuUSD = costs.UnitCostUSD
	} else {
		cuUSD = divide(cuARS, costs.FXRate)
	}
	if costs.TotalCostUSD != nil {
		ctUSD = costs.TotalCostUSD
	} else {
		ctUSD = divide(ctARS, costs.FXRate)
	}

	priceUnitAcceptable := multiply(onePlus(costs.MinMargin), cuARS)
	priceTotalAcceptable := multiply(onePlus(costs.MinMargin), ctARS)

	priceRefUnit := divideByFloat(budget, eq)
	rentaRef := ratioMinusOne(priceRefUnit, cuARS)

	priceUnitMejora := divideByFloat(minToBeat, eq)
	rentaParaMejorar := ratioMinusOne(priceUnitMejora, cuARS)

	return Derived{
		CostUnitARS:          cuARS,
		CostTotalARS:         ctARS,
		CostUnitUSD:          cuUSD,
		CostTotalUSD:         ctUSD,
		PriceUnitAcceptable:  priceUnitAcceptable,
		PriceTotalAcceptable: priceTotalAcceptable,
		PriceRefUnit:         priceRefUnit,
		RentaRef:             rentaRef,
		PriceUnitMejora:      priceUnitMejora,
		RentaParaMejorar:     rentaParaMejorar,
	}
}

// resolveCostPair implements rule 1, cost bidirectional resolution: TOTAL
// wins over unit × eq when they disagree by more than 0.01.
func resolveCostPair(cuARS, ctARS *float64, eq float64) (*float64, *float64) {
	switch {
	case cuARS != nil && ctARS != nil:
		if eq != 0 {
			implied := *cuARS * eq
			if abs(implied-*ctARS) > 0.01 {
				recomputed := *ctARS / eq
				return &recomputed, ctARS
			}
		}
		return cuARS, ctARS
	case cuARS != nil && ctARS == nil:
		if eq == 0 {
			return cuARS, nil
		}
		total := *cuARS * eq
		return cuARS, &total
	case cuARS == nil && ctARS != nil:
		if eq == 0 {
			return nil, ctARS
		}
		unit := *ctARS / eq
		return &unit, ctARS
	default:
		return nil, nil
	}
}

func onePlus(rmin float64) float64 { return 1 + rmin }

func multiply(f float64, v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := f * *v
	return &r
}

func divide(num, den *float64) *float64 {
	if num == nil || den == nil || *den == 0 {
		return nil
	}
	r := *num / *den
	return &r
}

func divideByFloat(num *float64, den float64) *float64 {
	if num == nil || den == 0 {
		return nil
	}
	r := *num / den
	return &r
}

func ratioMinusOne(num, den *float64) *float64 {
	if num == nil || den == nil || *den == 0 {
		return nil
	}
	r := *num/(*den) - 1
	return &r
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
