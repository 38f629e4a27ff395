package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/federated-storage/storage-market/internal/middleware"
	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/registry"
	"github.com/federated-storage/storage-market/internal/services"
)

// RegistryHandler handles registry administration
type RegistryHandler struct {
	registry *services.RegistryService
}

// NewRegistryHandler creates a new registry handler
func NewRegistryHandler(registry *services.RegistryService) *RegistryHandler {
	return &RegistryHandler{registry: registry}
}

// Get handles reading the registry
func (h *RegistryHandler) Get(c *gin.Context) {
	reg, err := h.registry.Get(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"admin":     reg.Admin,
		"treasury":  reg.Treasury,
		"params":    reg.Params,
		"whitelist": reg.Whitelist,
	})
}

// SetParamRequest sets a registry parameter
type SetParamRequest struct {
	Value *uint64 `json:"value" binding:"required"`
}

// SetParam handles parameter updates
func (h *RegistryHandler) SetParam(c *gin.Context) {
	var req SetParamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	key := registry.ParamKey(c.Param("key"))
	if err := h.registry.SetParam(c.Request.Context(), admin(c), key, *req.Value); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": *req.Value})
}

// AddressRequest carries a peer id
type AddressRequest struct {
	Address string `json:"address" binding:"required"`
}

// UpdateTreasury handles treasury changes
func (h *RegistryHandler) UpdateTreasury(c *gin.Context) {
	var req AddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.registry.UpdateTreasury(c.Request.Context(), admin(c), order.Address(req.Address)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"treasury": req.Address})
}

// UpdateAdmin handles handing the registry over
func (h *RegistryHandler) UpdateAdmin(c *gin.Context) {
	var req AddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.registry.UpdateAdmin(c.Request.Context(), admin(c), order.Address(req.Address)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": req.Address})
}

// AddToWhitelist handles whitelisting a provider
func (h *RegistryHandler) AddToWhitelist(c *gin.Context) {
	peer := c.Param("peer")
	if err := h.registry.AddToWhitelist(c.Request.Context(), admin(c), order.Address(peer)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelisted": peer})
}

// RemoveFromWhitelist handles removing a provider from the whitelist
func (h *RegistryHandler) RemoveFromWhitelist(c *gin.Context) {
	peer := c.Param("peer")
	if err := h.registry.RemoveFromWhitelist(c.Request.Context(), admin(c), order.Address(peer)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": peer})
}

func admin(c *gin.Context) order.Address {
	return order.Address(middleware.GetAdmin(c))
}
