// Package identity generates and holds a peer's long-lived keypair and
// derives the peer identifier every other component in the fabric
// addresses it by, per spec §4.1.
package identity

import (
	"crypto/rand"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is a peer's keypair plus the stable identifier derived from its
// public key. The identifier is what shard announcements, command
// envelopes, and DHT keys reference as "peer_id".
type Identity struct {
	private libp2pcrypto.PrivKey
	public  libp2pcrypto.PubKey
	id      peer.ID
}

// Generate creates a new Ed25519 keypair and derives its peer ID. Peers
// call this once at startup; the result should be persisted by the caller
// if a stable identifier across restarts is required (persistence is an
// external concern, out of this module's scope).
func Generate() (*Identity, error) {
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return fromKeys(priv, pub)
}

// FromPrivateKeyBytes reconstructs an Identity from a previously persisted
// marshaled private key, e.g. one written to disk by a prior Generate call.
func FromPrivateKeyBytes(raw []byte) (*Identity, error) {
	priv, err := libp2pcrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal private key: %w", err)
	}
	return fromKeys(priv, priv.GetPublic())
}

func fromKeys(priv libp2pcrypto.PrivKey, pub libp2pcrypto.PubKey) (*Identity, error) {
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}
	return &Identity{private: priv, public: pub, id: id}, nil
}

// PeerID returns the stable identifier this identity resolves to.
func (i *Identity) PeerID() peer.ID {
	return i.id
}

// String returns the base58-encoded peer ID, the same form used in
// multiaddresses and announcement records.
func (i *Identity) String() string {
	return i.id.String()
}

// PrivateKey returns the libp2p private key, needed when constructing a
// transport host that must prove this identity to remote peers.
func (i *Identity) PrivateKey() libp2pcrypto.PrivKey {
	return i.private
}

// MarshalPrivateKey serializes the private key for persistence.
func (i *Identity) MarshalPrivateKey() ([]byte, error) {
	return libp2pcrypto.MarshalPrivateKey(i.private)
}
