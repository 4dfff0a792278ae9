package modality

const (
	// Losses and P&L are in account currency.
	lossLarge  = 5000.0
	lossMedium = 1000.0
	pnlLarge   = -5000.0
	pnlMedium  = -1000.0

	volatilityLimit = 0.05

	offHoursStart = 22 // local hour, inclusive
	offHoursEnd   = 6  // local hour, exclusive

	offHoursPoints   = 5.0
	volatilityPoints = 8.0

	// Contextual score at or above which the context itself is a reason.
	contextElevated = 10.0
)

func leveragePoints(lev float64) float64 {
	switch {
	case lev >= 10:
		return 15
	case lev >= 5:
		return 10
	case lev >= 3:
		return 5
	default:
		return 0
	}
}

func lossPoints(loss float64) float64 {
	switch {
	case loss >= lossLarge:
		return 10
	case loss >= lossMedium:
		return 6
	case loss > 0:
		return 3
	default:
		return 0
	}
}

func pnlPoints(pnl float64) float64 {
	switch {
	case pnl <= pnlLarge:
		return 10
	case pnl <= pnlMedium:
		return 5
	case pnl < 0:
		return 2
	default:
		return 0
	}
}

// AnalyzeContextual scores the objective exposure of the order itself. Its
// score is added to the total unweighted.
func AnalyzeContextual(in Inputs, t Table) Result {
	o := in.Order
	if o == nil {
		return Empty(Contextual)
	}

	flags := map[string]bool{}
	var score float64
	add := func(flag string, pts float64) {
		if pts > 0 {
			flags[flag] = true
			score += pts
		}
	}

	if finite(o.Leverage) {
		add(FlagHighLeverage, leveragePoints(o.Leverage))
	}
	if finite(o.RecentLosses) {
		add(FlagRecentLosses, lossPoints(o.RecentLosses))
	}
	if finite(o.RecentPnL) {
		add(FlagNegativePnL, pnlPoints(o.RecentPnL))
	}
	if !o.LocalTime.IsZero() {
		if h := o.LocalTime.Hour(); h >= offHoursStart || h < offHoursEnd {
			add(FlagOffHours, offHoursPoints)
		}
	}
	if finite(o.MarketVolatility) && o.MarketVolatility > volatilityLimit {
		add(FlagHighVolatility, volatilityPoints)
	}

	ceiling := t.Cap(Contextual)
	flags[FlagElevatedContext] = score >= contextElevated
	return NewResult(Contextual, score, ceiling, 1, flags)
}
