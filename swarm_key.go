package relay

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/libp2p/go-libp2p/core/pnet"
)

const (
	// SwarmKeyProtocol is the protocol tag written by GenerateSwarmKey.
	SwarmKeyProtocol = "/key/swarm/psk/1.0.0/"
	// SwarmKeyEncodingBase16 is the encoding tag written by GenerateSwarmKey.
	SwarmKeyEncodingBase16 = "/base16/"

	swarmKeySize = 32
)

var swarmKeyEncodings = map[string]struct{}{
	"/base16/": {},
	"/base64/": {},
	"/bin/":    {},
}

// SwarmKey is the three-line form of a private network pre-shared key.
type SwarmKey struct {
	Protocol string
	Encoding string
	Key      string
}

// ParseSwarmKey splits data into its protocol, encoding and key lines. The
// boolean is false unless the result is Valid.
func ParseSwarmKey(data []byte) (SwarmKey, bool) {
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 3 {
		return SwarmKey{}, false
	}

	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}

	key := SwarmKey{
		Protocol: lines[0],
		Encoding: lines[1],
		Key:      lines[2],
	}

	return key, key.Valid()
}

// Valid reports whether every line is non-empty and the encoding tag is known.
func (k SwarmKey) Valid() bool {
	if k.Protocol == "" || k.Encoding == "" || k.Key == "" {
		return false
	}

	_, ok := swarmKeyEncodings[k.Encoding]

	return ok
}

// Bytes renders the key in its canonical three-line text form.
func (k SwarmKey) Bytes() []byte {
	return []byte(k.Protocol + "\n" + k.Encoding + "\n" + k.Key + "\n")
}

// Fingerprint is a short, loggable prefix of the key material.
func (k SwarmKey) Fingerprint() string {
	if len(k.Key) <= 8 {
		return "********"
	}

	return k.Key[:8] + "..."
}

// PSK decodes the key into the form libp2p installs as a connection protector.
func (k SwarmKey) PSK() (pnet.PSK, error) {
	if !k.Valid() {
		return nil, ErrInvalidSwarmKey
	}

	psk, err := pnet.DecodeV1PSK(bytes.NewReader(k.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSwarmKey, err)
	}

	return psk, nil
}

// NewSwarmKey returns a random base16 key.
func NewSwarmKey() (SwarmKey, error) {
	buf := make([]byte, swarmKeySize)
	if _, err := rand.Read(buf); err != nil {
		return SwarmKey{}, fmt.Errorf("[SwarmKey] error generating key: %w", err)
	}

	return SwarmKey{
		Protocol: SwarmKeyProtocol,
		Encoding: SwarmKeyEncodingBase16,
		Key:      hex.EncodeToString(buf),
	}, nil
}

// LoadSwarmKey returns the raw contents of the swarm key file. A missing or
// empty file returns (nil, nil).
func LoadSwarmKey(path string) ([]byte, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("[SwarmKey] failed to read %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	return data, nil
}

// GenerateSwarmKey returns the key stored at path, writing a new one only when
// none exists. An existing key is never rotated.
func GenerateSwarmKey(path string) ([]byte, error) {
	existing, err := LoadSwarmKey(path)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		return existing, nil
	}

	key, err := NewSwarmKey()
	if err != nil {
		return nil, err
	}

	path, err = expandPath(path)
	if err != nil {
		return nil, err
	}

	data := key.Bytes()
	if err = writeFileAtomic(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("[SwarmKey] failed to save %s: %w", path, err)
	}

	return data, nil
}
