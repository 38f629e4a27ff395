package middleware

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/federated-storage/storage-market/internal/p2p"
)

// PeerAuthMiddleware authenticates requests signed with a peer identity.
// Signatures older or newer than maxSkew are rejected.
func PeerAuthMiddleware(maxSkew time.Duration, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		peerID := c.GetHeader(p2p.HeaderPeerID)
		tsHeader := c.GetHeader(p2p.HeaderTimestamp)
		sigHeader := c.GetHeader(p2p.HeaderSignature)

		if peerID == "" || tsHeader == "" || sigHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			c.Abort()
			return
		}

		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid timestamp"})
			c.Abort()
			return
		}
		skew := now().Sub(time.Unix(ts, 0))
		if skew > maxSkew || skew < -maxSkew {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			c.Abort()
			return
		}

		sig, err := base64.StdEncoding.DecodeString(sigHeader)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature encoding"})
			c.Abort()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		payload := p2p.RequestPayload(c.Request.Method, c.Request.URL.RequestURI(), ts, body)
		if err := p2p.Verify(peerID, payload, sig); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			c.Abort()
			return
		}

		c.Set("peer_id", peerID)
		c.Next()
	}
}

// GetPeerID extracts the authenticated peer id from context
func GetPeerID(c *gin.Context) string {
	peerID, _ := c.Get("peer_id")
	s, _ := peerID.(string)
	return s
}
