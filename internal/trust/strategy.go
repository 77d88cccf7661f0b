package trust

import "math"

// Signals are the public observations a trust score is computed from
type Signals struct {
	Pubkey    string
	Following int
	Followers int
	// Depth is 0 for a trust anchor, 1 when following an anchor, 2 when
	// following anyone, 3 otherwise
	Depth          int
	RecentNotes    int // trailing 7 days
	MonthNotes     int // trailing 30 days
	AccountAgeDays float64
}

// Result is a strategy's verdict
type Result struct {
	Score           int
	IsLikelyBot     bool
	DiscountPercent int
}

// Strategy turns signals into a score. Implementations are pure.
type Strategy interface {
	Name() string
	Score(s Signals) Result
}

// StrategyByName returns a known strategy
func StrategyByName(name string) (Strategy, bool) {
	switch name {
	case "activity", "":
		return ActivityStrategy{}, true
	case "live":
		return LiveStrategy{}, true
	}
	return nil, false
}

// DiscountPercent is the member discount earned by a score
func DiscountPercent(score int) int {
	switch {
	case score > 80:
		return 20
	case score > 55:
		return 10
	default:
		return 0
	}
}

func log10(n int) float64 {
	return math.Log10(float64(max(1, n)))
}

func clampScore(v float64) int {
	return int(math.Max(0, math.Min(100, math.Round(v))))
}

// ActivityStrategy weighs the follow graph and recent posting volume. It is
// the persisted scorer.
type ActivityStrategy struct{}

// Name implements Strategy
func (ActivityStrategy) Name() string { return "activity" }

// Score implements Strategy
func (ActivityStrategy) Score(s Signals) Result {
	followers := math.Min(45, log10(s.Followers)*18)
	following := math.Min(20, log10(s.Following)*10)
	depth := math.Max(0, float64(20-s.Depth*5))
	activity := math.Min(15, float64(s.RecentNotes)*1.2)

	score := clampScore(followers + following + depth + activity)
	return Result{
		Score:           score,
		IsLikelyBot:     s.RecentNotes > 150 || (s.Following > 3000 && s.Followers < 10),
		DiscountPercent: DiscountPercent(score),
	}
}

// LiveStrategy weighs account age and the 30 day posting average. Accounts
// that look automated score zero.
type LiveStrategy struct{}

// Name implements Strategy
func (LiveStrategy) Name() string { return "live" }

// Score implements Strategy
func (LiveStrategy) Score(s Signals) Result {
	avg := float64(s.MonthNotes) / 30
	if avg > 50 || (s.Following > 3000 && s.Followers < 10) {
		return Result{Score: 0, IsLikelyBot: true, DiscountPercent: 0}
	}

	followers := math.Min(40, log10(s.Followers)*16)
	following := math.Min(10, log10(s.Following)*5)
	depth := math.Max(0, float64(20-s.Depth*5))
	age := math.Min(15, math.Max(0, s.AccountAgeDays)/30)
	activity := math.Min(15, avg*3)

	score := clampScore(followers + following + depth + age + activity)
	return Result{Score: score, DiscountPercent: DiscountPercent(score)}
}
