package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rugplay/crash-engine/internal/bets"
)

const (
	roundKeyPrefix = "rounds/"
	latestKey      = "meta/latest_round"
)

// ArchivedRound is the durable record of one settled round and its bets.
// Round numbers cycle over a fixed range, so each slot is overwritten once
// per cycle and stored history stays bounded.
type ArchivedRound struct {
	ID          string          `json:"id"`
	Number      int             `json:"number"`
	Seed        string          `json:"seed"`
	Commitment  string          `json:"commitment"`
	CrashPoint  float64         `json:"crash_point"`
	StartedAt   time.Time       `json:"started_at"`
	CrashedAt   time.Time       `json:"crashed_at"`
	TotalStake  decimal.Decimal `json:"total_stake"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	Players     int             `json:"players"`
	Forced      bool            `json:"forced"`
	Bets        []*bets.Bet     `json:"bets"`
}

// RoundStore archives settled rounds. It is the engine's side of the
// persistence boundary; nothing is read back except for restart recovery.
type RoundStore struct {
	kv KV
}

func NewRoundStore(kv KV) *RoundStore {
	return &RoundStore{kv: kv}
}

func roundKey(number int) string {
	return roundKeyPrefix + fmt.Sprintf("%04d", number)
}

func (s *RoundStore) SaveRound(r *ArchivedRound) error {
	if r.Number <= 0 {
		return errors.New("round number is required")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal round %d: %w", r.Number, err)
	}
	if err := s.kv.Set(roundKey(r.Number), data); err != nil {
		return fmt.Errorf("save round %d: %w", r.Number, err)
	}
	return s.kv.Set(latestKey, []byte(strconv.Itoa(r.Number)))
}

func (s *RoundStore) GetRound(number int) (*ArchivedRound, error) {
	data, err := s.kv.Get(roundKey(number))
	if err != nil {
		return nil, err
	}
	var r ArchivedRound
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal round %d: %w", number, err)
	}
	return &r, nil
}

// LatestNumber returns the last archived round number, or 0 when the store
// is empty. Used to resume the round-number cycle across restarts.
func (s *RoundStore) LatestNumber() (int, error) {
	data, err := s.kv.Get(latestKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// All returns every archived round currently stored.
func (s *RoundStore) All() ([]*ArchivedRound, error) {
	values, err := s.kv.List(roundKeyPrefix)
	if err != nil {
		return nil, err
	}
	rounds := make([]*ArchivedRound, 0, len(values))
	for _, v := range values {
		var r ArchivedRound
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, err
		}
		rounds = append(rounds, &r)
	}
	return rounds, nil
}

func (s *RoundStore) Close() error {
	return s.kv.Close()
}
