package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/federated-storage/storage-market/internal/merkle"
	"github.com/federated-storage/storage-market/internal/middleware"
	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/registry"
	"github.com/federated-storage/storage-market/internal/services"
	"github.com/federated-storage/storage-market/internal/storage"
)

// OrderHandler handles storage order requests
type OrderHandler struct {
	orders *services.OrderService
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orders *services.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// PlaceOrderRequest places an order owned by the signing peer.
type PlaceOrderRequest struct {
	TorrentHash merkle.Hash `json:"torrent_hash"`
	MerkleRoot  merkle.Hash `json:"merkle_root"`
	FileSize    uint64      `json:"file_size"`
	Period      uint64      `json:"period"`
	Fee         uint64      `json:"fee"`
}

// PlaceOrder handles order placement
func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	view, err := h.orders.PlaceOrder(c.Request.Context(), registry.PlaceRequest{
		TorrentHash: req.TorrentHash,
		Owner:       order.Address(middleware.GetPeerID(c)),
		MerkleRoot:  req.MerkleRoot,
		FileSize:    req.FileSize,
		Period:      req.Period,
		Fee:         req.Fee,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, view)
}

// ListOrders handles listing orders
func (h *OrderHandler) ListOrders(c *gin.Context) {
	f := storage.OrderFilter{
		Owner:       c.Query("owner"),
		TorrentHash: c.Query("torrent_hash"),
	}
	var err error
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			badRequest(c, err)
			return
		}
	}
	if v := c.Query("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			badRequest(c, err)
			return
		}
	}

	views, err := h.orders.Orders(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": views})
}

// GetOrder handles order lookup
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	view, err := h.orders.Order(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Register handles provider registration
func (h *OrderHandler) Register(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	view, err := h.orders.Register(c.Request.Context(), id, order.Address(middleware.GetPeerID(c)))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// SubmitProof handles storage proofs
func (h *OrderHandler) SubmitProof(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var proof order.Proof
	if err := c.ShouldBindJSON(&proof); err != nil {
		badRequest(c, err)
		return
	}

	receipt, err := h.orders.SubmitProof(c.Request.Context(), id, order.Address(middleware.GetPeerID(c)), proof)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// Unregister handles provider exit
func (h *OrderHandler) Unregister(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	receipt, err := h.orders.Unregister(c.Request.Context(), id, order.Address(middleware.GetPeerID(c)))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// Claim handles reward claims
func (h *OrderHandler) Claim(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	receipt, err := h.orders.Claim(c.Request.Context(), id, order.Address(middleware.GetPeerID(c)))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// Recycle handles returning undistributed reward to the treasury
func (h *OrderHandler) Recycle(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	receipt, err := h.orders.Recycle(c.Request.Context(), id, order.Address(middleware.GetPeerID(c)))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// GetProvider handles provider state lookup
func (h *OrderHandler) GetProvider(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	view, err := h.orders.Provider(c.Request.Context(), id, order.Address(c.Param("peer")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListProviders handles listing the providers of an order
func (h *OrderHandler) ListProviders(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	views, err := h.orders.Providers(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": views})
}

// Payouts handles listing the payouts of an order
func (h *OrderHandler) Payouts(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	payouts, err := h.orders.Payouts(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

// Journal handles listing the operations applied to an order
func (h *OrderHandler) Journal(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	entries, err := h.orders.Journal(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"journal": entries})
}

// Audit handles replaying the journal of an order against its stored state
func (h *OrderHandler) Audit(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	err := h.orders.Verify(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"consistent": true})
	case errors.Is(err, services.ErrJournalDiverged), errors.Is(err, order.ErrImbalance):
		c.JSON(http.StatusOK, gin.H{"consistent": false, "error": err.Error()})
	default:
		respondError(c, err)
	}
}

func orderID(c *gin.Context) (order.ID, bool) {
	id, err := order.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return order.ID{}, false
	}
	return id, true
}
