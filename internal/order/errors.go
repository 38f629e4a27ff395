package order

import (
	errorsmod "cosmossdk.io/errors"
)

// Codespace namespaces the order error codes.
const Codespace = "order"

// Codes are stable and surface in API responses.
var (
	ErrUnauthorized         = errorsmod.Register(Codespace, 401, "unauthorized")
	ErrAlreadyRegistered    = errorsmod.Register(Codespace, 1006, "storage provider already registered")
	ErrInvalidProof         = errorsmod.Register(Codespace, 1007, "invalid storage proof")
	ErrUnregisteredProvider = errorsmod.Register(Codespace, 1008, "unregistered storage provider")
	ErrOrderUnexpired       = errorsmod.Register(Codespace, 1009, "storage order unexpired")
	ErrMaxProvidersExceeded = errorsmod.Register(Codespace, 1011, "max storage providers per order exceeded")
	ErrInvalidConfig        = errorsmod.Register(Codespace, 1012, "invalid order config")
	ErrPayment              = errorsmod.Register(Codespace, 1013, "payment failed")
	ErrImbalance            = errorsmod.Register(Codespace, 1014, "order balance mismatch")
)
