// Package ledger implements continuous, time-weighted reward accrual for an
// equal-weight set of participants.
//
// Rewards stream at RewardRate per second from the moment the ledger starts
// until PeriodFinish. Instead of visiting every participant on every tick, the
// ledger keeps a running reward-per-share accumulator; a participant's pending
// reward is the difference between the accumulator and the value it last
// settled at. Every amount is an integer in the smallest transferable unit and
// every division remainder is booked to Undistributed, so nothing is created
// or lost.
package ledger

import (
	"errors"
	"fmt"
)

// ErrZeroPeriod is returned by New for an empty reward period.
var ErrZeroPeriod = errors.New("ledger: reward period must be positive")

// Ledger is the accrual state of one order. It is a value type: every method
// returns an updated copy and leaves the receiver untouched.
type Ledger struct {
	TotalFee       uint64
	Period         uint64
	RewardRate     uint64
	Started        bool
	PeriodFinish   uint64
	LastUpdate     uint64
	RewardPerShare uint64
	Undistributed  uint64
}

// New creates a ledger distributing totalFee over period seconds. The
// remainder of totalFee/period can never be streamed and starts out as
// undistributed.
func New(totalFee, period uint64) (Ledger, error) {
	if period == 0 {
		return Ledger{}, ErrZeroPeriod
	}
	rate := totalFee / period
	return Ledger{
		TotalFee:      totalFee,
		Period:        period,
		RewardRate:    rate,
		Undistributed: totalFee - rate*period,
	}, nil
}

// Start opens the reward period at now. It only has an effect once.
func (l Ledger) Start(now uint64) Ledger {
	if l.Started {
		return l
	}
	l.Started = true
	l.PeriodFinish = now + l.Period
	l.LastUpdate = now
	return l
}

// Settle accrues rewards from LastUpdate up to now, capped at PeriodFinish,
// and splits them equally among participants. With no participants the whole
// interval becomes undistributed.
func Settle(l Ledger, now, participants uint64) Ledger {
	if !l.Started {
		return l
	}
	t := now
	if t > l.PeriodFinish {
		t = l.PeriodFinish
	}
	if t <= l.LastUpdate {
		return l
	}

	reward := l.RewardRate * (t - l.LastUpdate)
	if participants == 0 {
		l.Undistributed += reward
	} else {
		share := reward / participants
		l.RewardPerShare += share
		l.Undistributed += reward - share*participants
	}
	l.LastUpdate = t
	return l
}

// Pending returns the reward accrued for one share since the accumulator read paid.
func (l Ledger) Pending(paid uint64) uint64 {
	return l.RewardPerShare - paid
}

// Forfeit books an unclaimable amount as undistributed.
func (l Ledger) Forfeit(amount uint64) Ledger {
	l.Undistributed += amount
	return l
}

// Drain empties the undistributed pool and returns its balance.
func (l Ledger) Drain() (Ledger, uint64) {
	amount := l.Undistributed
	l.Undistributed = 0
	return l, amount
}

// Expired reports whether the reward period has ended at now.
func (l Ledger) Expired(now uint64) bool {
	return l.Started && now > l.PeriodFinish
}

// Unaccrued is the part of the fee that has not been streamed yet.
func (l Ledger) Unaccrued() uint64 {
	if !l.Started {
		return l.RewardRate * l.Period
	}
	return l.RewardRate * (l.PeriodFinish - l.LastUpdate)
}

// String implements fmt.Stringer.
func (l Ledger) String() string {
	return fmt.Sprintf("ledger{rate=%d finish=%d last=%d rps=%d undistributed=%d}",
		l.RewardRate, l.PeriodFinish, l.LastUpdate, l.RewardPerShare, l.Undistributed)
}
