package handlers

import (
	"errors"
	"net/http"

	errorsmod "cosmossdk.io/errors"
	"github.com/gin-gonic/gin"

	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/registry"
	"github.com/federated-storage/storage-market/internal/services"
)

var statusOf = []struct {
	err    *errorsmod.Error
	status int
}{
	{order.ErrUnauthorized, http.StatusForbidden},
	{registry.ErrUnauthorized, http.StatusForbidden},

	{services.ErrOrderNotFound, http.StatusNotFound},
	{order.ErrUnregisteredProvider, http.StatusNotFound},

	{order.ErrAlreadyRegistered, http.StatusConflict},
	{order.ErrMaxProvidersExceeded, http.StatusConflict},
	{order.ErrOrderUnexpired, http.StatusConflict},
	{registry.ErrDuplicatedTorrent, http.StatusConflict},

	{order.ErrInvalidProof, http.StatusBadRequest},
	{order.ErrInvalidConfig, http.StatusBadRequest},
	{registry.ErrNotEnoughFee, http.StatusBadRequest},
	{registry.ErrFileTooSmall, http.StatusBadRequest},
	{registry.ErrFileTooLarge, http.StatusBadRequest},
	{registry.ErrPeriodTooShort, http.StatusBadRequest},
	{registry.ErrUnknownParam, http.StatusBadRequest},
	{registry.ErrInvalidParams, http.StatusBadRequest},
	{services.ErrAmountTooLarge, http.StatusBadRequest},

	{services.ErrNoRegistry, http.StatusServiceUnavailable},
}

// respondError writes err with the status of its error code. Errors without a
// code are internal.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	for _, s := range statusOf {
		if errors.Is(err, s.err) {
			status = s.status
			break
		}
	}

	body := gin.H{"error": err.Error()}
	var coded *errorsmod.Error
	if errors.As(err, &coded) {
		body["code"] = coded.ABCICode()
		body["codespace"] = coded.Codespace()
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
