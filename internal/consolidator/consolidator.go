// Package consolidator merges canonical per-broker positions into one
// consolidated-per-symbol view with weighted-average cost basis and P&L.
//
// Consolidate is a pure function of its input: re-running it with the same
// canonical positions yields byte-identical output. All arithmetic is decimal;
// floating point would accumulate cent-level drift across repeated rounds.
package consolidator

import (
	"sort"

	"github.com/broker-aggregator/internal/models"
	"github.com/shopspring/decimal"
)

// PriceScale is the decimal scale used for the derived weighted-average price.
// Quantities, costs and values are exact sums and carry no rounding at all.
const PriceScale = 2

// Consolidate groups canonical positions by symbol and merges each group.
//
// Per symbol: total quantity is the exact sum of per-broker quantities; total
// cost is the exact sum of quantity x average price; the weighted-average
// price is total cost / total quantity rounded to PriceScale; current value
// sums each broker's own quantity x current price (a broker's price is
// preserved, never re-derived from another broker's quote); unrealized P&L is
// current value minus total cost.
//
// Symbols whose net quantity is zero are dropped from the result entirely.
// Output is sorted by symbol, breakdown entries by connection id, so equal
// inputs serialize identically.
func Consolidate(positions []models.CanonicalPosition) []models.ConsolidatedPosition {
	groups := make(map[string][]models.CanonicalPosition)
	for _, p := range positions {
		groups[p.Symbol] = append(groups[p.Symbol], p)
	}

	symbols := make([]string, 0, len(groups))
	for symbol := range groups {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	result := make([]models.ConsolidatedPosition, 0, len(symbols))
	for _, symbol := range symbols {
		if consolidated, ok := consolidateSymbol(symbol, groups[symbol]); ok {
			result = append(result, consolidated)
		}
	}

	return result
}

// consolidateSymbol merges all canonical positions for one symbol. The second
// return value is false when the net quantity is zero and the symbol must be
// absent from the consolidated set.
func consolidateSymbol(symbol string, group []models.CanonicalPosition) (models.ConsolidatedPosition, bool) {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	currentValue := decimal.Zero
	dayPL := decimal.Zero

	breakdown := make([]models.BreakdownEntry, 0, len(group))
	for _, p := range group {
		marketValue := p.MarketValue()

		totalQty = totalQty.Add(p.Quantity)
		totalCost = totalCost.Add(p.CostBasis())
		currentValue = currentValue.Add(marketValue)

		// Day P&L needs the broker's previous close; brokers that do not
		// supply one simply contribute zero.
		if p.PreviousClose != nil {
			dayPL = dayPL.Add(p.Quantity.Mul(p.CurrentPrice.Sub(*p.PreviousClose)))
		}

		breakdown = append(breakdown, models.BreakdownEntry{
			ConnectionID: p.ConnectionID,
			BrokerType:   p.BrokerType,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			CurrentPrice: p.CurrentPrice,
			MarketValue:  marketValue,
		})
	}

	if totalQty.IsZero() {
		return models.ConsolidatedPosition{}, false
	}

	sort.Slice(breakdown, func(i, j int) bool {
		return breakdown[i].ConnectionID < breakdown[j].ConnectionID
	})

	return models.ConsolidatedPosition{
		Symbol:           symbol,
		TotalQuantity:    totalQty,
		WeightedAvgPrice: totalCost.DivRound(totalQty, PriceScale),
		TotalCost:        totalCost,
		CurrentValue:     currentValue,
		UnrealizedPL:     currentValue.Sub(totalCost),
		DayPL:            dayPL,
		Breakdown:        breakdown,
	}, true
}

// Totals sums portfolio-level figures over a consolidated set.
func Totals(positions []models.ConsolidatedPosition) (totalValue, totalCost, unrealizedPL, dayPL decimal.Decimal) {
	totalValue = decimal.Zero
	totalCost = decimal.Zero
	unrealizedPL = decimal.Zero
	dayPL = decimal.Zero

	for _, p := range positions {
		totalValue = totalValue.Add(p.CurrentValue)
		totalCost = totalCost.Add(p.TotalCost)
		unrealizedPL = unrealizedPL.Add(p.UnrealizedPL)
		dayPL = dayPL.Add(p.DayPL)
	}
	return totalValue, totalCost, unrealizedPL, dayPL
}
