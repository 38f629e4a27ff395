package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	"github.com/federated-storage/storage-market/internal/merkle"
	"github.com/federated-storage/storage-market/internal/models"
	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/registry"
	"github.com/federated-storage/storage-market/internal/storage"
)

var log = logging.Logger("market")

// Codespace namespaces errors raised by the host rather than the engine.
const Codespace = "market"

var (
	ErrOrderNotFound   = errorsmod.Register(Codespace, 404, "order not found")
	ErrNoRegistry      = errorsmod.Register(Codespace, 1030, "registry not initialized")
	ErrAmountTooLarge  = errorsmod.Register(Codespace, 1031, "amount exceeds storable range")
	ErrJournalDiverged = errorsmod.Register(Codespace, 1032, "journal replay does not match stored state")
)

// OrderService runs order operations. Each operation loads the order, applies
// the operation, records payouts and the journal entry, and saves the order in
// a single store transaction.
type OrderService struct {
	store   storage.Store
	clock   clock.Clock
	metrics *Metrics
}

// NewOrderService creates a new order service
func NewOrderService(store storage.Store, clk clock.Clock, metrics *Metrics) *OrderService {
	return &OrderService{store: store, clock: clk, metrics: metrics}
}

func (s *OrderService) now() uint64 {
	return uint64(s.clock.Now().Unix())
}

// PlaceOrder validates req against the registry and escrows its fee in a new
// order.
func (s *OrderService) PlaceOrder(ctx context.Context, req registry.PlaceRequest) (OrderView, error) {
	var view OrderView
	if req.Fee > math.MaxInt64 {
		err := ErrAmountTooLarge.Wrapf("fee %d", req.Fee)
		s.metrics.op("place_order", err)
		return view, err
	}

	now := s.now()
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		reg, err := loadRegistry(ctx, tx)
		if err != nil {
			return err
		}
		cfg, id, err := reg.PlaceOrder(req, func(torrent merkle.Hash) (bool, error) {
			return tx.OpenOrderExists(ctx, torrent.String(), int64(now))
		})
		if err != nil {
			return err
		}
		o, err := order.New(cfg, req.Fee)
		if err != nil {
			return err
		}
		state, err := o.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode order: %w", err)
		}

		rec := &models.OrderRecord{
			ID:          id.String(),
			TorrentHash: cfg.TorrentHash.String(),
			Owner:       string(cfg.Owner),
			TotalFee:    int64(req.Fee),
			State:       state,
		}
		if err := tx.CreateOrder(ctx, rec); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return registry.ErrDuplicatedTorrent.Wrapf("order %s already exists", id)
			}
			return err
		}
		view = newOrderView(o, rec, now)
		return nil
	})
	s.metrics.op("place_order", err)
	if err != nil {
		log.Debugw("order rejected", "torrent", req.TorrentHash, "owner", req.Owner, "error", err)
		return OrderView{}, err
	}

	s.metrics.Placed.Inc()
	log.Infow("order placed", "order", view.ID, "torrent", req.TorrentHash, "owner", req.Owner, "fee", req.Fee, "period", req.Period)
	return view, nil
}

// Register adds provider to order id.
func (s *OrderService) Register(ctx context.Context, id order.ID, provider order.Address) (ProviderView, error) {
	var view ProviderView
	op := order.Op{Kind: order.OpRegister, Caller: provider}
	err := s.mutate(ctx, id, &op, func(o *order.Order) error {
		if err := o.Register(provider, op.Now); err != nil {
			return err
		}
		view = newProviderView(o, provider)
		return nil
	})
	if err != nil {
		return ProviderView{}, err
	}
	log.Infow("provider registered", "order", id, "provider", provider)
	return view, nil
}

// SubmitProof checks a proof for the provider's next chunk.
func (s *OrderService) SubmitProof(ctx context.Context, id order.ID, provider order.Address, proof order.Proof) (ProofReceipt, error) {
	var receipt ProofReceipt
	op := order.Op{Kind: order.OpSubmitProof, Caller: provider, Proof: proof}
	err := s.mutate(ctx, id, &op, func(o *order.Order) error {
		res, err := o.SubmitProof(provider, proof, op.Now)
		if err != nil {
			return err
		}
		receipt = ProofReceipt{ProofResult: res, Provider: newProviderView(o, provider)}
		return nil
	})
	switch {
	case errors.Is(err, order.ErrInvalidProof):
		s.metrics.Proofs.WithLabelValues(ProofInvalid).Inc()
	case err != nil:
	case receipt.OnTime:
		s.metrics.Proofs.WithLabelValues(ProofOnTime).Inc()
	default:
		s.metrics.Proofs.WithLabelValues(ProofLate).Inc()
		s.metrics.Forfeited.Add(float64(receipt.Forfeited))
	}
	if err != nil {
		return ProofReceipt{}, err
	}
	log.Debugw("proof accepted", "order", id, "provider", provider, "on_time", receipt.OnTime, "credited", receipt.Credited, "next", receipt.NextIndex)
	return receipt, nil
}

// Unregister removes provider from order id.
func (s *OrderService) Unregister(ctx context.Context, id order.ID, provider order.Address) (UnregisterReceipt, error) {
	var receipt UnregisterReceipt
	op := order.Op{Kind: order.OpUnregister, Caller: provider}
	err := s.mutate(ctx, id, &op, func(o *order.Order) error {
		forfeited, err := o.Unregister(provider, op.Now)
		if err != nil {
			return err
		}
		receipt = UnregisterReceipt{Forfeited: forfeited, Earned: o.Earned(provider)}
		return nil
	})
	if err != nil {
		return UnregisterReceipt{}, err
	}
	s.metrics.Forfeited.Add(float64(receipt.Forfeited))
	log.Infow("provider unregistered", "order", id, "provider", provider, "forfeited", receipt.Forfeited)
	return receipt, nil
}

// Claim pays out the earned balance of provider.
func (s *OrderService) Claim(ctx context.Context, id order.ID, provider order.Address) (ClaimReceipt, error) {
	var c order.Claim
	op := order.Op{Kind: order.OpClaim, Caller: provider}
	err := s.mutate(ctx, id, &op, func(o *order.Order) error {
		var err error
		c, err = o.Claim(provider, op.Now)
		return err
	})
	if err != nil {
		return ClaimReceipt{}, err
	}
	log.Infow("reward claimed", "order", id, "provider", provider, "amount", c.Provider, "fee", c.Fee)
	return ClaimReceipt{Provider: c.Provider, Fee: c.Fee}, nil
}

// Recycle sends the undistributed reward of an ended order to the treasury.
func (s *OrderService) Recycle(ctx context.Context, id order.ID, caller order.Address) (RecycleReceipt, error) {
	var amount uint64
	op := order.Op{Kind: order.OpRecycle, Caller: caller}
	err := s.mutate(ctx, id, &op, func(o *order.Order) error {
		var err error
		amount, err = o.Recycle(caller, op.Now)
		return err
	})
	if err != nil {
		return RecycleReceipt{}, err
	}
	log.Infow("order recycled", "order", id, "caller", caller, "amount", amount)
	return RecycleReceipt{Amount: amount}, nil
}

// mutate runs fn against order id inside a transaction and journals op if fn
// succeeds. op.Now is set to the current time before fn runs.
func (s *OrderService) mutate(ctx context.Context, id order.ID, op *order.Op, fn func(*order.Order) error) error {
	op.Now = s.now()
	payer := &txPayer{orderID: id.String()}

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		rec, err := tx.Order(ctx, id.String())
		if errors.Is(err, storage.ErrNotFound) {
			return ErrOrderNotFound.Wrapf("%s", id)
		}
		if err != nil {
			return err
		}

		payer.ctx, payer.tx = ctx, tx
		payer.paid = payer.paid[:0]
		o, err := order.Decode(rec.State, order.WithPayer(payer))
		if err != nil {
			return err
		}
		if err := fn(o); err != nil {
			return err
		}

		state, err := o.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode order: %w", err)
		}
		rec.State = state
		rec.PeriodFinish = int64(o.PeriodFinish())
		rec.Version++

		entry := &models.JournalEntry{
			ID:      uuid.New(),
			OrderID: rec.ID,
			Seq:     rec.Version,
			Kind:    op.Kind.String(),
			Caller:  string(op.Caller),
			At:      int64(op.Now),
			Op:      op.Marshal(),
		}
		if err := tx.AppendJournal(ctx, entry); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, rec)
	})
	s.metrics.op(op.Kind.String(), err)
	if err != nil {
		log.Debugw("operation rejected", "op", op.Kind, "order", id, "caller", op.Caller, "error", err)
		return err
	}
	for _, p := range payer.paid {
		s.metrics.Payouts.WithLabelValues(p.Kind).Add(float64(p.Amount))
	}
	return nil
}

// txPayer records payouts in the operation's transaction.
type txPayer struct {
	ctx     context.Context
	tx      storage.Tx
	orderID string
	paid    []models.Payout
}

func (p *txPayer) Pay(to order.Address, amount uint64, kind order.PayoutKind) error {
	payout := models.Payout{
		ID:        uuid.New(),
		OrderID:   p.orderID,
		Recipient: string(to),
		Kind:      string(kind),
		Amount:    int64(amount),
	}
	if err := p.tx.AddPayout(p.ctx, &payout); err != nil {
		return err
	}
	p.paid = append(p.paid, payout)
	return nil
}

// Order returns the public state of order id.
func (s *OrderService) Order(ctx context.Context, id order.ID) (OrderView, error) {
	o, rec, err := s.load(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	return newOrderView(o, rec, s.now()), nil
}

// Orders lists orders matching f, newest first.
func (s *OrderService) Orders(ctx context.Context, f storage.OrderFilter) ([]OrderView, error) {
	recs, err := s.store.Orders(ctx, f)
	if err != nil {
		return nil, err
	}
	now := s.now()
	views := make([]OrderView, 0, len(recs))
	for i := range recs {
		o, err := order.Decode(recs[i].State)
		if err != nil {
			return nil, fmt.Errorf("failed to decode order %s: %w", recs[i].ID, err)
		}
		views = append(views, newOrderView(o, &recs[i], now))
	}
	return views, nil
}

// Provider returns the state of provider in order id.
func (s *OrderService) Provider(ctx context.Context, id order.ID, provider order.Address) (ProviderView, error) {
	o, _, err := s.load(ctx, id)
	if err != nil {
		return ProviderView{}, err
	}
	return newProviderView(o, provider), nil
}

// Providers lists the registered providers of order id.
func (s *OrderService) Providers(ctx context.Context, id order.ID) ([]ProviderView, error) {
	o, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	states := o.Providers()
	views := make([]ProviderView, 0, len(states))
	for _, p := range states {
		views = append(views, newProviderView(o, p.Address))
	}
	return views, nil
}

// Payouts lists the payouts of order id.
func (s *OrderService) Payouts(ctx context.Context, id order.ID) ([]models.Payout, error) {
	if _, _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Payouts(ctx, id.String())
}

// Journal lists the operations applied to order id.
func (s *OrderService) Journal(ctx context.Context, id order.ID) ([]models.JournalEntry, error) {
	if _, _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Journal(ctx, id.String())
}

// Verify replays the journal of order id and checks that it reproduces the
// stored state and that the order's balances add up to its fee.
func (s *OrderService) Verify(ctx context.Context, id order.ID) error {
	o, rec, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := o.Audit(); err != nil {
		return err
	}

	entries, err := s.store.Journal(ctx, id.String())
	if err != nil {
		return err
	}
	ops := make([]order.Op, 0, len(entries))
	for _, e := range entries {
		op, err := order.UnmarshalOp(e.Op)
		if err != nil {
			return fmt.Errorf("failed to decode journal entry %d: %w", e.Seq, err)
		}
		ops = append(ops, op)
	}

	replayed, err := order.Replay(o.Info(), o.TotalFee(), ops)
	if err != nil {
		return errorsmod.Wrap(ErrJournalDiverged, err.Error())
	}
	state, err := replayed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	if !bytes.Equal(state, rec.State) {
		return ErrJournalDiverged.Wrapf("order %s after %d operations", id, len(ops))
	}
	return nil
}

func (s *OrderService) load(ctx context.Context, id order.ID) (*order.Order, *models.OrderRecord, error) {
	rec, err := s.store.Order(ctx, id.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrOrderNotFound.Wrapf("%s", id)
	}
	if err != nil {
		return nil, nil, err
	}
	o, err := order.Decode(rec.State)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode order %s: %w", id, err)
	}
	return o, rec, nil
}
