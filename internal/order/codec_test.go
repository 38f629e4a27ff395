package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journaled wraps an order and records every successful operation.
type journaled struct {
	*Order
	ops []Op
}

func (j *journaled) do(t *testing.T, op Op) {
	t.Helper()
	require.NoError(t, Apply(j.Order, op))
	j.ops = append(j.ops, op)
}

func buildJournal(t *testing.T, f fixture) *journaled {
	t.Helper()
	o, err := New(f.cfg, 360*day*1000+123)
	require.NoError(t, err)
	j := &journaled{Order: o}

	j.do(t, Op{Kind: OpRegister, Caller: alice, Now: t0})
	j.do(t, Op{Kind: OpRegister, Caller: bob, Now: t0 + 60})
	j.do(t, Op{Kind: OpSubmitProof, Caller: alice, Now: t0 + hour, Proof: f.proof(t, o, alice)})
	j.do(t, Op{Kind: OpSubmitProof, Caller: bob, Now: t0 + 3*hour, Proof: f.proof(t, o, bob)})
	j.do(t, Op{Kind: OpClaim, Caller: alice, Now: t0 + 3*hour})
	j.do(t, Op{Kind: OpRegister, Caller: eva, Now: t0 + 3*hour})
	j.do(t, Op{Kind: OpUnregister, Caller: bob, Now: t0 + 4*hour})
	j.do(t, Op{Kind: OpSubmitProof, Caller: eva, Now: t0 + 5*hour})
	return j
}

func TestOrder_MarshalBinary(t *testing.T) {
	f := newFixture(t, 5000)
	j := buildJournal(t, f)

	b, err := j.MarshalBinary()
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, j.ID(), decoded.ID())
	assert.Equal(t, j.Info(), decoded.Info())
	assert.Equal(t, j.Ledger(), decoded.Ledger())
	assert.Equal(t, j.Providers(), decoded.Providers())
	assert.Equal(t, j.Balances(), decoded.Balances())
	assert.Equal(t, j.PaidOut(), decoded.PaidOut())
	require.NoError(t, decoded.Audit())

	again, err := decoded.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, b, again)

	// The decoded order keeps working.
	_, err = decoded.SubmitProof(alice, f.proof(t, decoded, alice), t0+5*hour)
	require.NoError(t, err)
}

func TestDecode_Rejects(t *testing.T) {
	f := newFixture(t, 5000)
	o, err := New(f.cfg, 1)
	require.NoError(t, err)
	b, err := o.MarshalBinary()
	require.NoError(t, err)

	_, err = Decode(b[:len(b)/2])
	assert.Error(t, err)

	bad := append([]byte(nil), b...)
	bad[0] = 9
	_, err = Decode(bad)
	assert.ErrorContains(t, err, "version")
}

func TestReplay(t *testing.T) {
	f := newFixture(t, 5000)
	j := buildJournal(t, f)

	encoded := make([][]byte, len(j.ops))
	for i, op := range j.ops {
		encoded[i] = op.Marshal()
	}
	ops := make([]Op, len(encoded))
	for i, b := range encoded {
		op, err := UnmarshalOp(b)
		require.NoError(t, err)
		ops[i] = op
	}

	replayed, err := Replay(f.cfg, 360*day*1000+123, ops)
	require.NoError(t, err)
	assert.Equal(t, snapshot(t, j.Order), snapshot(t, replayed))

	_, err = Replay(f.cfg, 360*day*1000+123, append(ops, Op{Kind: OpRegister, Caller: alice, Now: t0 + 6*hour}))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestUnmarshalOp_UnknownKind(t *testing.T) {
	_, err := UnmarshalOp(Op{Kind: 42, Caller: alice}.Marshal())
	assert.Error(t, err)
	assert.Equal(t, "op(42)", OpKind(42).String())
	assert.Equal(t, "submit_proof", OpSubmitProof.String())
}

func TestDeriveID(t *testing.T) {
	f := newFixture(t, 5000)
	id := DeriveID(f.cfg)

	reordered := f.cfg
	reordered.Whitelist = []Address{caro, eva, caro}
	assert.Equal(t, id, DeriveID(reordered), "whitelist order and duplicates do not matter")

	other := f.cfg
	other.Owner = "someone else"
	assert.NotEqual(t, id, DeriveID(other))

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("zz")
	assert.Error(t, err)
}
