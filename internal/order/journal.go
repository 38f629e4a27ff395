package order

import (
	"fmt"

	"gitlab.com/NebulousLabs/encoding"
)

// OpKind names a state-changing order operation.
type OpKind uint64

const (
	OpRegister OpKind = iota + 1
	OpSubmitProof
	OpUnregister
	OpClaim
	OpRecycle
)

var opNames = map[OpKind]string{
	OpRegister:    "register",
	OpSubmitProof: "submit_proof",
	OpUnregister:  "unregister",
	OpClaim:       "claim",
	OpRecycle:     "recycle",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint64(k))
}

// Op is one journaled operation. Replaying the journal of an order from its
// config and fee reproduces its state exactly.
type Op struct {
	Kind   OpKind
	Caller Address
	Now    uint64
	Proof  Proof
}

// Marshal encodes op for the journal.
func (op Op) Marshal() []byte {
	return encoding.Marshal(op)
}

// UnmarshalOp decodes a journaled op.
func UnmarshalOp(b []byte) (Op, error) {
	var op Op
	if err := encoding.Unmarshal(b, &op); err != nil {
		return Op{}, fmt.Errorf("failed to decode op: %w", err)
	}
	if _, ok := opNames[op.Kind]; !ok {
		return Op{}, fmt.Errorf("unknown op kind %d", uint64(op.Kind))
	}
	return op, nil
}

// Apply runs op against o.
func Apply(o *Order, op Op) error {
	var err error
	switch op.Kind {
	case OpRegister:
		err = o.Register(op.Caller, op.Now)
	case OpSubmitProof:
		_, err = o.SubmitProof(op.Caller, op.Proof, op.Now)
	case OpUnregister:
		_, err = o.Unregister(op.Caller, op.Now)
	case OpClaim:
		_, err = o.Claim(op.Caller, op.Now)
	case OpRecycle:
		_, err = o.Recycle(op.Caller, op.Now)
	default:
		err = fmt.Errorf("unknown op kind %d", uint64(op.Kind))
	}
	return err
}

// Replay rebuilds an order from its config, fee and journal. Only successful
// operations are journaled, so any failure means the journal does not belong
// to this order.
func Replay(cfg Config, totalFee uint64, ops []Op, opts ...Option) (*Order, error) {
	o, err := New(cfg, totalFee, opts...)
	if err != nil {
		return nil, err
	}
	for i, op := range ops {
		if err := Apply(o, op); err != nil {
			return nil, fmt.Errorf("failed to replay op %d (%s): %w", i, op.Kind, err)
		}
	}
	return o, nil
}
