package events

// RoundStarted announces a new round and its fairness commitment. The seed
// itself stays hidden until the round crashes.
type RoundStarted struct {
	RoundID    string `json:"round_id"`
	Commitment string `json:"commitment"`
	Countdown  int64  `json:"countdown_ms"`
}

type Tick struct {
	Multiplier float64 `json:"multiplier"`
	ElapsedMs  int64   `json:"elapsed_ms"`
}

type BetAccepted struct {
	Player    string  `json:"player"`
	Stake     string  `json:"stake"`
	EntryMult float64 `json:"entry_mult"`
}

type CashOut struct {
	Player   string  `json:"player"`
	ExitMult float64 `json:"exit_mult"`
	Amount   string  `json:"amount"`
}

// RoundCrashed reveals the seed so the crash point can be replayed.
type RoundCrashed struct {
	RoundID    string  `json:"round_id"`
	CrashPoint float64 `json:"crash_point"`
	Seed       string  `json:"seed"`
	TotalStake string  `json:"total_stake"`
	Players    int     `json:"players"`
	Forced     bool    `json:"forced,omitempty"`
}
