package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

const day = 24 * 60 * 60

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		fee           uint64
		period        uint64
		wantRate      uint64
		undistributed uint64
		wantErr       bool
	}{
		{name: "exact", fee: 360 * day, period: 360 * day, wantRate: 1},
		{name: "remainder is undistributed", fee: 86_400_000_000, period: 360 * day, wantRate: 2777, undistributed: 86_400_000_000 - 2777*360*day},
		{name: "fee below period", fee: 10, period: day, wantRate: 0, undistributed: 10},
		{name: "zero period", fee: 1, period: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.fee, tt.period)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrZeroPeriod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRate, l.RewardRate)
			assert.Equal(t, tt.undistributed, l.Undistributed)
			assert.Equal(t, tt.fee, l.Undistributed+l.Unaccrued())
		})
	}
}

func TestLedger_Start(t *testing.T) {
	l, err := New(1000, 100)
	require.NoError(t, err)
	assert.False(t, l.Expired(1_000_000))

	l = l.Start(50)
	assert.True(t, l.Started)
	assert.Equal(t, uint64(150), l.PeriodFinish)
	assert.Equal(t, uint64(50), l.LastUpdate)

	l = l.Start(120)
	assert.Equal(t, uint64(150), l.PeriodFinish, "period finish is frozen after the first start")
	assert.False(t, l.Expired(150))
	assert.True(t, l.Expired(151))
}

func TestSettle(t *testing.T) {
	base, err := New(1000, 100)
	require.NoError(t, err)

	t.Run("not started", func(t *testing.T) {
		assert.Equal(t, base, Settle(base, 500, 3))
	})

	started := base.Start(0)

	t.Run("no participants", func(t *testing.T) {
		l := Settle(started, 10, 0)
		assert.Equal(t, uint64(100), l.Undistributed)
		assert.Equal(t, uint64(0), l.RewardPerShare)
		assert.Equal(t, uint64(10), l.LastUpdate)
	})

	t.Run("remainder routed", func(t *testing.T) {
		l := Settle(started, 10, 3)
		assert.Equal(t, uint64(33), l.RewardPerShare)
		assert.Equal(t, uint64(1), l.Undistributed)
	})

	t.Run("capped at period finish", func(t *testing.T) {
		l := Settle(started, 1_000, 1)
		assert.Equal(t, uint64(1000), l.RewardPerShare)
		assert.Equal(t, uint64(100), l.LastUpdate)
		assert.Equal(t, uint64(0), l.Unaccrued())

		again := Settle(l, 2_000, 1)
		assert.Equal(t, l, again)
	})

	t.Run("time going backwards is ignored", func(t *testing.T) {
		l := Settle(started, 20, 1)
		assert.Equal(t, l, Settle(l, 10, 1))
	})
}

func TestSettle_FairSplit(t *testing.T) {
	l, err := New(86_400_000_000, 360*day)
	require.NoError(t, err)
	l = l.Start(1_700_000_000)

	for k := uint64(1); k <= 5; k++ {
		settled := Settle(l, l.LastUpdate+3600, k)
		want := l.RewardRate * 3600 / k
		assert.Equal(t, want, settled.Pending(l.RewardPerShare), "k=%d", k)
	}
}

func TestLedger_Drain(t *testing.T) {
	l, err := New(1005, 100)
	require.NoError(t, err)
	l, amount := l.Drain()
	assert.Equal(t, uint64(5), amount)
	assert.Equal(t, uint64(0), l.Undistributed)

	l, amount = l.Drain()
	assert.Equal(t, uint64(0), amount)
}

// TestSettle_Conservation drives the ledger through random joins and exits and
// checks that every unit of the fee is accounted for at each step.
func TestSettle_Conservation(t *testing.T) {
	for round := 0; round < 50; round++ {
		fee := frand.Uint64n(1<<40) + 1
		period := frand.Uint64n(30*day) + 1
		l, err := New(fee, period)
		require.NoError(t, err)

		now := frand.Uint64n(1 << 32)
		l = l.Start(now)

		var paid []uint64
		var earned uint64
		for step := 0; step < 200; step++ {
			now += frand.Uint64n(period/10 + 2)
			l = Settle(l, now, uint64(len(paid)))

			switch {
			case len(paid) == 0 || frand.Intn(2) == 0:
				paid = append(paid, l.RewardPerShare)
			default:
				i := frand.Intn(len(paid))
				earned += l.Pending(paid[i])
				paid = append(paid[:i], paid[i+1:]...)
			}

			var pending uint64
			for _, p := range paid {
				pending += l.Pending(p)
			}
			require.Equal(t, fee, earned+pending+l.Undistributed+l.Unaccrued(),
				"round %d step %d: %s", round, step, l)
		}
	}
}
