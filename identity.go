package relay

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the node's keypair together with the peer ID derived from it.
// It is immutable for the lifetime of the process.
type Identity struct {
	ID      peer.ID
	PrivKey crypto.PrivKey
	PubKey  crypto.PubKey
}

// identityFile is the on-disk form: base58 peer ID plus protobuf-marshalled keys
// in padded standard base64.
type identityFile struct {
	ID      string `json:"id"`
	PrivKey string `json:"privKey"`
	PubKey  string `json:"pubKey"`
}

// NewIdentity generates a fresh Ed25519 identity.
func NewIdentity() (*Identity, error) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("[Identity] error generating key: %w", err)
	}

	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("[Identity] error deriving peer ID: %w", err)
	}

	return &Identity{ID: id, PrivKey: priv, PubKey: pub}, nil
}

// Validate reports whether all three parts are present and agree with each other.
func (i *Identity) Validate() error {
	if i == nil {
		return fmt.Errorf("%w: identity is nil", ErrInvalidIdentity)
	}

	if i.ID == "" || i.PrivKey == nil || i.PubKey == nil {
		return fmt.Errorf("%w: identity is incomplete", ErrInvalidIdentity)
	}

	if !i.PrivKey.GetPublic().Equals(i.PubKey) {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidIdentity)
	}

	if !i.ID.MatchesPublicKey(i.PubKey) {
		return fmt.Errorf("%w: peer ID %s does not match public key", ErrInvalidIdentity, i.ID)
	}

	return nil
}

func (i *Identity) marshal() ([]byte, error) {
	privBytes, err := crypto.MarshalPrivateKey(i.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("[Identity] error marshalling private key: %w", err)
	}

	pubBytes, err := crypto.MarshalPublicKey(i.PubKey)
	if err != nil {
		return nil, fmt.Errorf("[Identity] error marshalling public key: %w", err)
	}

	return json.Marshal(identityFile{
		ID:      i.ID.String(),
		PrivKey: crypto.ConfigEncodeKey(privBytes),
		PubKey:  crypto.ConfigEncodeKey(pubBytes),
	})
}

func unmarshalIdentity(data []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	switch {
	case f.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrInvalidIdentity)
	case f.PrivKey == "":
		return nil, fmt.Errorf("%w: missing privKey", ErrInvalidIdentity)
	case f.PubKey == "":
		return nil, fmt.Errorf("%w: missing pubKey", ErrInvalidIdentity)
	}

	id, err := peer.Decode(f.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrInvalidIdentity, err)
	}

	privBytes, err := crypto.ConfigDecodeKey(f.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("%w: privKey: %v", ErrInvalidIdentity, err)
	}

	priv, err := crypto.UnmarshalPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: privKey: %v", ErrInvalidIdentity, err)
	}

	pubBytes, err := crypto.ConfigDecodeKey(f.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: pubKey: %v", ErrInvalidIdentity, err)
	}

	pub, err := crypto.UnmarshalPublicKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: pubKey: %v", ErrInvalidIdentity, err)
	}

	identity := &Identity{ID: id, PrivKey: priv, PubKey: pub}
	if err = identity.Validate(); err != nil {
		return nil, err
	}

	return identity, nil
}

// LoadIdentity reads the identity file at path. A missing file is not an error:
// it returns (nil, nil). A file that exists but is malformed returns an error
// wrapping ErrInvalidIdentity.
func LoadIdentity(path string) (*Identity, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("[Identity] failed to read %s: %w", path, err)
	}

	identity, err := unmarshalIdentity(data)
	if err != nil {
		return nil, fmt.Errorf("[Identity] %s: %w", path, err)
	}

	return identity, nil
}

// SaveIdentity replaces the file at path with identity.
func SaveIdentity(identity *Identity, path string) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	path, err := expandPath(path)
	if err != nil {
		return err
	}

	data, err := identity.marshal()
	if err != nil {
		return err
	}

	if err = writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("[Identity] failed to save %s: %w", path, err)
	}

	return nil
}

// CreateAndSaveIdentity generates a new identity and persists it to path. The
// identity is only returned once it is on disk; losing it would change the
// node's address.
func CreateAndSaveIdentity(path string) (*Identity, error) {
	identity, err := NewIdentity()
	if err != nil {
		return nil, err
	}

	if err = SaveIdentity(identity, path); err != nil {
		return nil, err
	}

	return identity, nil
}

// LoadOrCreateIdentity loads the identity at path, creating it on first run.
func LoadOrCreateIdentity(logger Logger, path string) (*Identity, error) {
	identity, err := LoadIdentity(path)
	if err != nil {
		return nil, err
	}

	if identity != nil {
		logger.Infof("[Identity] loaded peer ID %s from %s", identity.ID, path)
		return identity, nil
	}

	identity, err = CreateAndSaveIdentity(path)
	if err != nil {
		return nil, err
	}

	logger.Infof("[Identity] created peer ID %s at %s", identity.ID, path)

	return identity, nil
}
