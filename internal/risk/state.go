package risk

import (
	"math/rand"
	"sync"
	"time"
)

// OpenPosition tracks one protected position for aggregate risk accounting
type OpenPosition struct {
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Entry    float64   `json:"entry"`
	Stop     float64   `json:"stop"`
	Quantity float64   `json:"quantity"`
	OpenedAt time.Time `json:"opened_at"`
}

// RiskUSD returns the dollar risk of the position if the stop fires
func (p OpenPosition) RiskUSD() float64 {
	risk := p.Entry - p.Stop
	if risk < 0 {
		risk = -risk
	}
	return risk * p.Quantity
}

// DailyLimits tracks per-day trade counters. Resets at UTC midnight.
type DailyLimits struct {
	Date           string         `json:"date"` // YYYY-MM-DD UTC
	TotalTrades    int            `json:"total_trades"`
	TradesBySymbol map[string]int `json:"trades_by_symbol"`
	RealizedPnLUSD float64        `json:"realized_pnl_usd"`
}

// ProfitTarget is the daily profit target state machine. The target
// percentage is drawn uniformly at random once per day.
type ProfitTarget struct {
	Date           string    `json:"date"`
	StartingEquity float64   `json:"starting_equity"`
	TargetPct      float64   `json:"target_pct"`
	ProfitToday    float64   `json:"profit_today"`
	TargetReached  bool      `json:"target_reached"`
	PauseUntil     time.Time `json:"pause_until,omitempty"`
}

// State is the shared runtime risk state. Every mutation and read goes
// through one mutex so that parallel symbol workers see a serialized view
// of {pause, counters, cooldowns, profit target, open risk}.
type State struct {
	mu sync.Mutex

	pauseUntil  time.Time
	pauseReason string

	daily     DailyLimits
	cooldowns map[string]time.Time
	positions map[string]OpenPosition
	reserved  map[string]float64
	target    ProfitTarget

	targetPctMin  float64
	targetPctMax  float64
	targetPause   time.Duration
	targetEnabled bool

	now  func() time.Time
	rand *rand.Rand
}

// NewState creates runtime risk state. targetPctMin/Max bound the daily
// profit target draw.
func NewState(targetEnabled bool, targetPctMin, targetPctMax float64, targetPause time.Duration) *State {
	return &State{
		cooldowns:     make(map[string]time.Time),
		positions:     make(map[string]OpenPosition),
		reserved:      make(map[string]float64),
		targetPctMin:  targetPctMin,
		targetPctMax:  targetPctMax,
		targetPause:   targetPause,
		targetEnabled: targetEnabled,
		now:           time.Now,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the time source. Test hook.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// rolloverLocked resets daily state when the UTC date changes. Caller holds
// the lock.
func (s *State) rolloverLocked() {
	today := utcDate(s.now())
	if s.daily.Date != today {
		s.daily = DailyLimits{
			Date:           today,
			TradesBySymbol: make(map[string]int),
		}
	}
	if s.target.Date != today {
		s.target = ProfitTarget{Date: today}
	}
}

// ==================== Global pause ====================

// PauseGlobal blocks all new entries until now + d
func (s *State) PauseGlobal(d time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.now().Add(d)
	if until.After(s.pauseUntil) {
		s.pauseUntil = until
		s.pauseReason = reason
	}
}

// ResumeGlobal clears an active pause. Operator-initiated only; automatic
// pauses never shorten each other.
func (s *State) ResumeGlobal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseUntil = time.Time{}
	s.pauseReason = ""
}

// GlobalPause reports whether the pause is active and why
func (s *State) GlobalPause() (bool, time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Before(s.pauseUntil) {
		return true, s.pauseUntil, s.pauseReason
	}
	return false, time.Time{}, ""
}

// ==================== Cooldowns ====================

// StartCooldown blocks a symbol until now + d, typically after a close
func (s *State) StartCooldown(symbol string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[symbol] = s.now().Add(d)
}

// RestoreCooldown reinstates a persisted cooldown deadline across restarts
func (s *State) RestoreCooldown(symbol string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.now()) {
		s.cooldowns[symbol] = until
	}
}

// CooldownActive reports whether the symbol is cooling down
func (s *State) CooldownActive(symbol string) (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[symbol]
	if ok && s.now().Before(until) {
		return true, until
	}
	return false, time.Time{}
}

// Cooldowns returns a copy of the active cooldown deadlines
func (s *State) Cooldowns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time)
	now := s.now()
	for sym, until := range s.cooldowns {
		if now.Before(until) {
			out[sym] = until
		}
	}
	return out
}

// ==================== Daily limits ====================

// RecordTrade counts an executed entry against the daily limits
func (s *State) RecordTrade(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	s.daily.TotalTrades++
	s.daily.TradesBySymbol[symbol]++
}

// RecordRealizedPnL accumulates the day's realized profit or loss
func (s *State) RecordRealizedPnL(usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	s.daily.RealizedPnLUSD += usd
}

// Daily returns a copy of today's counters
func (s *State) Daily() DailyLimits {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	copied := s.daily
	copied.TradesBySymbol = make(map[string]int, len(s.daily.TradesBySymbol))
	for k, v := range s.daily.TradesBySymbol {
		copied.TradesBySymbol[k] = v
	}
	return copied
}

// dailyAllowsLocked checks today's counters against the limits. Caller
// holds the lock.
func (s *State) dailyAllowsLocked(symbol string, maxTotal, maxPerSymbol int) bool {
	s.rolloverLocked()
	if maxTotal > 0 && s.daily.TotalTrades >= maxTotal {
		return false
	}
	if maxPerSymbol > 0 && s.daily.TradesBySymbol[symbol] >= maxPerSymbol {
		return false
	}
	return true
}

// ==================== Open positions / active risk ====================

// ReserveRisk atomically checks the aggregate cap and, when the budget
// fits, holds it against the symbol until RegisterPosition supersedes it
// or ReleaseRisk drops it. Returns the pre-reservation aggregate and
// whether the reservation was taken.
func (s *State) ReserveRisk(symbol string, budgetUSD, maxActiveUSD float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.activeRiskLocked()
	if active+budgetUSD > maxActiveUSD {
		return active, false
	}
	s.reserved[symbol] = budgetUSD
	return active, true
}

// ReleaseRisk drops a reservation that did not become a position
func (s *State) ReleaseRisk(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, symbol)
}

// RegisterPosition records a protected position for aggregate risk. Any
// reservation taken at approval is superseded by the real position.
func (s *State) RegisterPosition(p OpenPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, p.Symbol)
	s.positions[p.Symbol] = p
}

// ClosePosition drops the position from aggregate risk accounting
func (s *State) ClosePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
}

// Position returns the tracked position for a symbol, if any
func (s *State) Position(symbol string) (OpenPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// Positions returns a copy of all tracked positions
func (s *State) Positions() []OpenPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OpenPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// activeRiskLocked sums the dollar risk of open positions plus in-flight
// reservations. Caller holds the lock.
func (s *State) activeRiskLocked() float64 {
	total := 0.0
	for _, p := range s.positions {
		total += p.RiskUSD()
	}
	for _, budget := range s.reserved {
		total += budget
	}
	return total
}

// ActiveRiskUSD returns the aggregate open risk
func (s *State) ActiveRiskUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRiskLocked()
}

// ==================== Profit target ====================

// UpdateEquity feeds the daily profit target machine. The first call of a
// UTC day snapshots starting equity and draws the day's target percentage.
func (s *State) UpdateEquity(equity float64) ProfitTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()

	if s.target.StartingEquity == 0 && equity > 0 {
		s.target.StartingEquity = equity
		span := s.targetPctMax - s.targetPctMin
		s.target.TargetPct = s.targetPctMin
		if span > 0 {
			s.target.TargetPct += s.rand.Float64() * span
		}
	}

	s.target.ProfitToday = equity - s.target.StartingEquity

	if s.targetEnabled && !s.target.TargetReached && s.target.StartingEquity > 0 &&
		s.target.ProfitToday/s.target.StartingEquity >= s.target.TargetPct {
		s.target.TargetReached = true
		s.target.PauseUntil = s.now().Add(s.targetPause)
	}
	return s.target
}

// ProfitTargetPaused reports whether the daily target pause is in effect
func (s *State) ProfitTargetPaused() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	if s.targetEnabled && s.now().Before(s.target.PauseUntil) {
		return true, s.target.PauseUntil
	}
	return false, time.Time{}
}

// Target returns a copy of today's profit target state
func (s *State) Target() ProfitTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return s.target
}
