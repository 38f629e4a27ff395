package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"

	"github.com/federated-storage/storage-market/internal/handlers"
	"github.com/federated-storage/storage-market/internal/merkle"
	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/p2p"
	"github.com/federated-storage/storage-market/internal/registry"
	"github.com/federated-storage/storage-market/internal/services"
	"github.com/federated-storage/storage-market/internal/storage"
)

const day = 24 * 60 * 60

type market struct {
	url      string
	clock    *clock.Mock
	treasury *p2p.Identity
}

func newMarket(t *testing.T) *market {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(""))

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	reg := prometheus.NewRegistry()
	metrics := services.NewMetrics(reg)

	treasury, err := p2p.GenerateIdentity()
	require.NoError(t, err)
	registryService := services.NewRegistryService(store, metrics)
	_, err = registryService.Bootstrap(context.Background(), "admin", order.Address(treasury.String()), registry.DefaultParams(), nil)
	require.NoError(t, err)

	router := handlers.NewRouter(handlers.RouterConfig{
		Store:        store,
		Orders:       services.NewOrderService(store, clk, metrics),
		Registry:     registryService,
		Gatherer:     reg,
		JWTSecret:    "secret",
		MaxClockSkew: time.Minute,
		Now:          clk.Now,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &market{url: srv.URL, clock: clk, treasury: treasury}
}

func (m *market) client(t *testing.T) *Client {
	t.Helper()
	id, err := p2p.GenerateIdentity()
	require.NoError(t, err)
	return m.clientFor(id)
}

func (m *market) clientFor(id *p2p.Identity) *Client {
	c := New(m.url, id)
	c.now = m.clock.Now
	return c
}

func TestClient_OrderFlow(t *testing.T) {
	ctx := context.Background()
	m := newMarket(t)
	owner := m.client(t)
	provider := m.client(t)

	data := frand.Bytes(4096)
	tree, err := merkle.BuildFromReader(bytes.NewReader(data), uint64(len(data)))
	require.NoError(t, err)

	const period = 7 * day
	view, err := owner.PlaceOrder(ctx, PlaceOrderRequest{
		TorrentHash: merkle.ChunkHash(data),
		MerkleRoot:  tree.Root(),
		FileSize:    uint64(len(data)),
		Period:      period,
		Fee:         period * 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, owner.Address(), view.Config.Owner)
	id, err := order.ParseID(view.ID)
	require.NoError(t, err)

	_, err = provider.Register(ctx, id)
	require.NoError(t, err)

	_, err = provider.Register(ctx, id)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, order.Codespace, apiErr.Codespace)
	assert.Equal(t, uint32(1006), apiErr.Code)

	m.clock.Add(10 * time.Minute)
	chunk, err := merkle.ReadChunk(bytes.NewReader(data), uint64(len(data)), 0)
	require.NoError(t, err)
	path, err := tree.Proof(0)
	require.NoError(t, err)
	receipt, err := provider.SubmitProof(ctx, id, order.Proof{Chunk: merkle.ChunkHash(chunk), Path: path})
	require.NoError(t, err)
	assert.True(t, receipt.OnTime)
	assert.Equal(t, uint64(600*1000), receipt.Credited)
	assert.Equal(t, uint64(1), receipt.NextIndex)

	pv, err := owner.Provider(ctx, id, provider.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(600*1000), pv.Earned)
	assert.True(t, pv.LastProofValid)
	require.NotNil(t, pv.NextProofIndex)
	assert.Equal(t, uint64(1), *pv.NextProofIndex)

	claim, err := provider.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000), claim.Fee)
	assert.Equal(t, uint64(594_000), claim.Provider)

	_, err = owner.Unregister(ctx, id)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = owner.Recycle(ctx, id)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	m.clock.Add(period * time.Second)
	unreg, err := provider.Unregister(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64((period-600)*1000), unreg.Forfeited)

	recycled, err := m.clientFor(m.treasury).Recycle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(period*1000-600*1000), recycled.Amount)

	payouts, err := owner.Payouts(ctx, id)
	require.NoError(t, err)
	assert.Len(t, payouts, 3)

	orders, err := owner.Orders(ctx, owner.Address(), 10)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	ok, err := owner.Audit(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_StaleSignature(t *testing.T) {
	m := newMarket(t)
	c := m.client(t)
	c.now = func() time.Time { return m.clock.Now().Add(-time.Hour) }

	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{FileSize: 1, Period: 7 * day, Fee: 1 << 40})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClient_PlaceOrderRejected(t *testing.T) {
	m := newMarket(t)
	c := m.client(t)

	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{FileSize: 1, Period: 7 * day, Fee: 1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, registry.Codespace, apiErr.Codespace)
	assert.Equal(t, uint32(1001), apiErr.Code)
}
