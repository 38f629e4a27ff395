package p2p

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/minio/sha256-simd"
	"lukechampine.com/frand"
)

// Request headers carrying a signed request.
const (
	HeaderPeerID    = "X-Peer-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// ErrBadSignature is returned by Verify.
var ErrBadSignature = errors.New("signature does not match peer id")

// Identity is the keypair of an owner, provider or treasury. Its peer id is
// the address used in orders.
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID
}

// GenerateIdentity creates a new ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(frand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newIdentity(priv)
}

func newIdentity(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}
	return &Identity{priv: priv, id: id}, nil
}

// LoadIdentity reads a key written by Save.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	return newIdentity(priv)
}

// LoadOrCreateIdentity loads the key at path, creating it first if needed.
func LoadOrCreateIdentity(path string) (*Identity, bool, error) {
	if _, err := os.Stat(path); err == nil {
		id, err := LoadIdentity(path)
		return id, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to stat key file: %w", err)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Save writes the private key to path.
func (i *Identity) Save(path string) error {
	data, err := crypto.MarshalPrivateKey(i.priv)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// ID returns the peer id.
func (i *Identity) ID() peer.ID {
	return i.id
}

// String returns the peer id as a string.
func (i *Identity) String() string {
	return i.id.String()
}

// Sign signs msg.
func (i *Identity) Sign(msg []byte) ([]byte, error) {
	return i.priv.Sign(msg)
}

// SignRequest returns the signature over a request.
func (i *Identity) SignRequest(method, path string, timestamp int64, body []byte) ([]byte, error) {
	return i.Sign(RequestPayload(method, path, timestamp, body))
}

// Verify checks that sig is a signature of msg by peerID. Ed25519 peer ids
// embed the public key, so no key lookup is needed.
func Verify(peerID string, msg, sig []byte) error {
	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id: %w", err)
	}
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("failed to extract public key: %w", err)
	}
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		return fmt.Errorf("failed to verify signature: %w", err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// RequestPayload is the message signed for an HTTP request.
func RequestPayload(method, path string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	payload := method + "\n" + path + "\n" + strconv.FormatInt(timestamp, 10) + "\n" + hex.EncodeToString(sum[:])
	return []byte(payload)
}
