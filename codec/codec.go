package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sekaitools/suitesync/models"
)

var (
	ErrUnknownServer   = errors.New("no keyset for server")
	ErrNotBlockAligned = errors.New("ciphertext is not block aligned")
	ErrBadPadding      = errors.New("invalid padding")
	ErrTrailingData    = errors.New("trailing data after payload")
)

// Error is returned for every encode/decode failure. A key mismatch, mangled
// padding, or a truncated payload all surface here; a decode never silently
// returns garbage.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("codec %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Keyset is the AES-CBC key material for one upstream server.
type Keyset struct {
	Key []byte
	IV  []byte
}

// Codec packs and unpacks the upstream wire format: msgpack serialization,
// block padding, AES-CBC with a fixed per-server key and IV.
type Codec struct {
	keys map[models.Server]Keyset
}

func New(keys map[models.Server]Keyset) (*Codec, error) {
	for server, ks := range keys {
		if _, err := aes.NewCipher(ks.Key); err != nil {
			return nil, fmt.Errorf("server %s: %w", server, err)
		}
		if len(ks.IV) != aes.BlockSize {
			return nil, fmt.Errorf("server %s: iv must be %d bytes", server, aes.BlockSize)
		}
	}
	return &Codec{keys: keys}, nil
}

func (c *Codec) keyset(server models.Server) (Keyset, error) {
	ks, ok := c.keys[server]
	if !ok {
		return Keyset{}, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	return ks, nil
}

// Pack serializes value and encrypts it for the given server. Padding is the
// classic block scheme: every pad byte holds the pad length, and an aligned
// payload still receives a full padding block.
func (c *Codec) Pack(value any, server models.Server) ([]byte, error) {
	ks, err := c.keyset(server)
	if err != nil {
		return nil, &Error{Op: "pack", Err: err}
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactFloats(true)
	if err := enc.Encode(value); err != nil {
		return nil, &Error{Op: "pack", Err: err}
	}

	padded := pad(buf.Bytes())
	block, err := aes.NewCipher(ks.Key)
	if err != nil {
		return nil, &Error{Op: "pack", Err: err}
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, ks.IV).CryptBlocks(out, padded)
	return out, nil
}

// Unpack decrypts data with the server's keyset, strips padding, and
// deserializes the msgpack payload. The payload must account for every byte
// after the padding is removed.
func (c *Codec) Unpack(data []byte, server models.Server) (any, error) {
	ks, err := c.keyset(server)
	if err != nil {
		return nil, &Error{Op: "unpack", Err: err}
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, &Error{Op: "unpack", Err: ErrNotBlockAligned}
	}

	block, err := aes.NewCipher(ks.Key)
	if err != nil {
		return nil, &Error{Op: "unpack", Err: err}
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, ks.IV).CryptBlocks(plain, data)

	padLen := int(plain[len(plain)-1])
	if padLen < 1 || padLen > aes.BlockSize || padLen > len(plain) {
		return nil, &Error{Op: "unpack", Err: ErrBadPadding}
	}
	body := plain[:len(plain)-padLen]

	dec := msgpack.NewDecoder(bytes.NewReader(body))
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, &Error{Op: "unpack", Err: err}
	}
	if _, err := dec.PeekCode(); err != io.EOF {
		return nil, &Error{Op: "unpack", Err: ErrTrailingData}
	}
	return value, nil
}

// UnpackMap is Unpack restricted to map payloads, which is what every save
// record is on the wire.
func (c *Codec) UnpackMap(data []byte, server models.Server) (map[string]any, error) {
	value, err := c.Unpack(data, server)
	if err != nil {
		return nil, err
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, &Error{Op: "unpack", Err: fmt.Errorf("payload is %T, not a map", value)}
	}
	return m, nil
}

func pad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}
