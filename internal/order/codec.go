package order

import (
	"fmt"
	"sort"

	"gitlab.com/NebulousLabs/encoding"
	"golang.org/x/crypto/blake2b"

	"github.com/federated-storage/storage-market/internal/ledger"
)

// recordVersion is bumped whenever the persisted layout changes.
const recordVersion = 1

// DeriveID returns the content-derived id of an order config.
func DeriveID(cfg Config) ID {
	return ID(blake2b.Sum256(encoding.Marshal(cfg.Normalize())))
}

type balance struct {
	Address Address
	Amount  uint64
}

type record struct {
	Version   uint64
	Config    Config
	Ledger    ledger.Ledger
	Providers []ProviderState
	Earned    []balance
	PaidOut   uint64
}

// MarshalBinary encodes the complete order state. Providers and balances are
// written sorted by address, so equal states encode to equal bytes.
func (o *Order) MarshalBinary() ([]byte, error) {
	rec := record{
		Version:   recordVersion,
		Config:    o.cfg,
		Ledger:    o.st.ledger,
		Providers: o.Providers(),
		PaidOut:   o.st.paidOut,
	}
	for addr, amount := range o.st.earned {
		if amount > 0 {
			rec.Earned = append(rec.Earned, balance{Address: addr, Amount: amount})
		}
	}
	sort.Slice(rec.Earned, func(i, j int) bool { return rec.Earned[i].Address < rec.Earned[j].Address })
	return encoding.Marshal(rec), nil
}

// Decode restores an order from the output of MarshalBinary.
func Decode(b []byte, opts ...Option) (*Order, error) {
	var rec record
	if err := encoding.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("unsupported order record version %d", rec.Version)
	}

	o := &Order{
		id:  DeriveID(rec.Config),
		cfg: rec.Config.Normalize(),
		st: state{
			ledger:    rec.Ledger,
			providers: make(map[Address]ProviderState, len(rec.Providers)),
			earned:    make(map[Address]uint64, len(rec.Earned)),
			paidOut:   rec.PaidOut,
		},
	}
	for _, p := range rec.Providers {
		o.st.providers[p.Address] = p
	}
	for _, b := range rec.Earned {
		o.st.earned[b.Address] = b.Amount
	}
	if uint64(len(o.st.providers)) > o.cfg.MaxProviders {
		return nil, fmt.Errorf("order %s has %d providers, max %d", o.id, len(o.st.providers), o.cfg.MaxProviders)
	}
	o.apply(opts)
	return o, nil
}
