package order

import (
	"math/bits"
	"sort"

	errorsmod "cosmossdk.io/errors"

	"github.com/federated-storage/storage-market/internal/ledger"
	"github.com/federated-storage/storage-market/internal/merkle"
)

// state is everything an operation may change. Operations work on a clone and
// swap it in only when every payout succeeded.
type state struct {
	ledger    ledger.Ledger
	providers map[Address]ProviderState
	earned    map[Address]uint64
	paidOut   uint64
}

func (s state) clone() state {
	c := s
	c.providers = make(map[Address]ProviderState, len(s.providers))
	for k, v := range s.providers {
		c.providers[k] = v
	}
	c.earned = make(map[Address]uint64, len(s.earned))
	for k, v := range s.earned {
		c.earned[k] = v
	}
	return c
}

func (s *state) settle(now uint64) {
	s.ledger = ledger.Settle(s.ledger, now, uint64(len(s.providers)))
}

// Order is one storage order.
type Order struct {
	id          ID
	cfg         Config
	st          state
	whitelisted func(Address) bool
	payer       Payer
}

// Option configures an Order.
type Option func(*Order)

// WithWhitelist replaces the config whitelist with a capability check.
func WithWhitelist(fn func(Address) bool) Option {
	return func(o *Order) {
		o.whitelisted = fn
	}
}

// WithPayer sets the payer used by Claim and Recycle. Without it payouts are
// only accounted.
func WithPayer(p Payer) Option {
	return func(o *Order) {
		o.payer = p
	}
}

// New creates an order escrowing totalFee under cfg.
func New(cfg Config, totalFee uint64, opts ...Option) (*Order, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, errorsmod.Wrap(ErrInvalidConfig, err.Error())
	}
	l, err := ledger.New(totalFee, cfg.Period)
	if err != nil {
		return nil, errorsmod.Wrap(ErrInvalidConfig, err.Error())
	}

	o := &Order{
		id:  DeriveID(cfg),
		cfg: cfg,
		st: state{
			ledger:    l,
			providers: make(map[Address]ProviderState),
			earned:    make(map[Address]uint64),
		},
	}
	o.apply(opts)
	return o, nil
}

func (o *Order) apply(opts []Option) {
	for _, opt := range opts {
		opt(o)
	}
	if o.payer == nil {
		o.payer = discardPayer{}
	}
	if o.whitelisted == nil {
		wl := make(map[Address]bool, len(o.cfg.Whitelist))
		for _, a := range o.cfg.Whitelist {
			wl[a] = true
		}
		o.whitelisted = func(a Address) bool { return wl[a] }
	}
}

// Register adds provider to the order. The first registration starts the
// storage period.
func (o *Order) Register(provider Address, now uint64) error {
	if _, ok := o.st.providers[provider]; ok {
		return ErrAlreadyRegistered.Wrapf("provider %s", provider)
	}
	if uint64(len(o.st.providers)) >= o.cfg.MaxProviders {
		return ErrMaxProvidersExceeded.Wrapf("order %s has %d providers", o.id, len(o.st.providers))
	}

	next := o.st.clone()
	next.settle(now)
	next.ledger = next.ledger.Start(now)
	next.providers[provider] = ProviderState{
		Address:            provider,
		JoinedAt:           now,
		LastProofAt:        now,
		RewardPerSharePaid: next.ledger.RewardPerShare,
	}
	o.st = next
	return nil
}

// SubmitProof checks a possession proof for the provider's next chunk and
// credits the interval since its previous proof if it arrived in time. A late
// proof forfeits the interval to the undistributed pool.
func (o *Order) SubmitProof(provider Address, proof Proof, now uint64) (ProofResult, error) {
	p, ok := o.st.providers[provider]
	if !ok {
		return ProofResult{}, ErrUnregisteredProvider.Wrapf("provider %s", provider)
	}

	exempt := o.whitelisted(provider)
	if !exempt && !o.verify(p, proof) {
		return ProofResult{}, ErrInvalidProof.Wrapf("chunk %d from provider %s", p.NextChunkIndex, provider)
	}

	next := o.st.clone()
	next.settle(now)
	pending := next.ledger.Pending(p.RewardPerSharePaid)

	res := ProofResult{OnTime: exempt || o.onTime(p, now)}
	if res.OnTime {
		next.earned[provider] += pending
		res.Credited = pending
	} else {
		next.ledger = next.ledger.Forfeit(pending)
		res.Forfeited = pending
	}

	p.RewardPerSharePaid = next.ledger.RewardPerShare
	p.LastProofAt = now
	p.LastProofValid = res.OnTime
	p.NextChunkIndex = (p.NextChunkIndex + 1) % o.cfg.ChunkCount()
	next.providers[provider] = p
	res.NextIndex = p.NextChunkIndex

	o.st = next
	return res, nil
}

func (o *Order) verify(p ProviderState, proof Proof) bool {
	return merkle.Verify(proof.Chunk, p.NextChunkIndex, proof.Path, o.cfg.MerkleRoot, o.cfg.ChunkCount())
}

func (o *Order) onTime(p ProviderState, now uint64) bool {
	return now <= p.LastProofAt+o.cfg.MaxProofSpan
}

// Unregister removes provider from the order. Reward accrued since its last
// proof is forfeited; its earned balance stays claimable.
func (o *Order) Unregister(provider Address, now uint64) (uint64, error) {
	p, ok := o.st.providers[provider]
	if !ok {
		return 0, ErrUnregisteredProvider.Wrapf("provider %s", provider)
	}

	next := o.st.clone()
	next.settle(now)
	forfeited := next.ledger.Pending(p.RewardPerSharePaid)
	next.ledger = next.ledger.Forfeit(forfeited)
	delete(next.providers, provider)

	o.st = next
	return forfeited, nil
}

// Claim pays out the earned balance of provider, minus the treasury fee.
// Claiming an empty balance succeeds and pays nothing.
func (o *Order) Claim(provider Address, now uint64) (Claim, error) {
	next := o.st.clone()
	next.settle(now)

	amount := next.earned[provider]
	c := Claim{Fee: feeOf(amount, o.cfg.TreasuryFeeRate)}
	c.Provider = amount - c.Fee
	if amount > 0 {
		if err := o.pay(o.cfg.Treasury, c.Fee, PayoutTreasuryFee); err != nil {
			return Claim{}, err
		}
		if err := o.pay(provider, c.Provider, PayoutReward); err != nil {
			return Claim{}, err
		}
		delete(next.earned, provider)
		next.paidOut += amount
	}

	o.st = next
	return c, nil
}

// Recycle sends the undistributed pool to the treasury once the storage
// period has ended. Only the owner or the treasury may recycle.
func (o *Order) Recycle(caller Address, now uint64) (uint64, error) {
	if caller != o.cfg.Owner && caller != o.cfg.Treasury {
		return 0, ErrUnauthorized.Wrapf("%s may not recycle order %s", caller, o.id)
	}
	if !o.st.ledger.Expired(now) {
		return 0, ErrOrderUnexpired.Wrapf("order %s", o.id)
	}

	next := o.st.clone()
	next.settle(now)
	var amount uint64
	next.ledger, amount = next.ledger.Drain()
	if err := o.pay(o.cfg.Treasury, amount, PayoutRecycle); err != nil {
		return 0, err
	}
	next.paidOut += amount

	o.st = next
	return amount, nil
}

func (o *Order) pay(to Address, amount uint64, kind PayoutKind) error {
	if amount == 0 {
		return nil
	}
	if err := o.payer.Pay(to, amount, kind); err != nil {
		return errorsmod.Wrapf(ErrPayment, "%s of %d to %s: %v", kind, amount, to, err)
	}
	return nil
}

// feeOf returns amount*rate/MaxFeeRate without overflowing.
func feeOf(amount, rate uint64) uint64 {
	hi, lo := bits.Mul64(amount, rate)
	q, _ := bits.Div64(hi, lo, MaxFeeRate)
	return q
}

// ID returns the order id.
func (o *Order) ID() ID { return o.id }

// Info returns the order config.
func (o *Order) Info() Config {
	cfg := o.cfg
	cfg.Whitelist = append([]Address(nil), o.cfg.Whitelist...)
	return cfg
}

// TotalFee returns the escrowed fee.
func (o *Order) TotalFee() uint64 { return o.st.ledger.TotalFee }

// Ledger returns the accrual state.
func (o *Order) Ledger() ledger.Ledger { return o.st.ledger }

// Started reports whether a provider has ever registered.
func (o *Order) Started() bool { return o.st.ledger.Started }

// PeriodFinish returns the end of the storage period, or zero before start.
func (o *Order) PeriodFinish() uint64 { return o.st.ledger.PeriodFinish }

// Expired reports whether the storage period has ended at now.
func (o *Order) Expired(now uint64) bool { return o.st.ledger.Expired(now) }

// TotalProviders returns the number of registered providers.
func (o *Order) TotalProviders() uint64 { return uint64(len(o.st.providers)) }

// Undistributed returns the balance recyclable by the treasury.
func (o *Order) Undistributed() uint64 { return o.st.ledger.Undistributed }

// PaidOut returns everything paid out of the order so far.
func (o *Order) PaidOut() uint64 { return o.st.paidOut }

// Earned returns the claimable balance of provider. Rewards accrued since its
// last proof are not included.
func (o *Order) Earned(provider Address) uint64 { return o.st.earned[provider] }

// LastProofValid reports whether the last proof of provider arrived in time.
// Unknown providers report false.
func (o *Order) LastProofValid(provider Address) bool {
	return o.st.providers[provider].LastProofValid
}

// Whitelisted reports whether provider is exempt from proof checks.
func (o *Order) Whitelisted(provider Address) bool { return o.whitelisted(provider) }

// NextProofIndex returns the chunk index provider must prove next.
func (o *Order) NextProofIndex(provider Address) (uint64, bool) {
	p, ok := o.st.providers[provider]
	return p.NextChunkIndex, ok
}

// NextProofDue returns the deadline of the next proof of provider.
func (o *Order) NextProofDue(provider Address) (uint64, bool) {
	p, ok := o.st.providers[provider]
	if !ok {
		return 0, false
	}
	return p.LastProofAt + o.cfg.MaxProofSpan, true
}

// Provider returns the bookkeeping of provider.
func (o *Order) Provider(provider Address) (ProviderState, bool) {
	p, ok := o.st.providers[provider]
	return p, ok
}

// Providers returns every registered provider sorted by address.
func (o *Order) Providers() []ProviderState {
	out := make([]ProviderState, 0, len(o.st.providers))
	for _, p := range o.st.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Balances returns every non-zero earned balance.
func (o *Order) Balances() map[Address]uint64 {
	out := make(map[Address]uint64, len(o.st.earned))
	for k, v := range o.st.earned {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Audit checks that the escrowed fee is fully accounted for.
func (o *Order) Audit() error {
	l := o.st.ledger
	total := l.Undistributed + l.Unaccrued() + o.st.paidOut
	for _, v := range o.st.earned {
		total += v
	}
	for _, p := range o.st.providers {
		total += l.Pending(p.RewardPerSharePaid)
	}
	if total != l.TotalFee {
		return errorsmod.Wrapf(ErrImbalance, "order %s accounts for %d of %d", o.id, total, l.TotalFee)
	}
	return nil
}
