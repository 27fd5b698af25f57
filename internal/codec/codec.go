// Package codec implements the self-describing [codec_header | payload]
// envelope used for blob columns such as organism_states.runtime_state_blob.
// Readers never consult configuration; they detect the codec id from the
// header and dispatch to the matching decoder, so a codec, once shipped, may
// never be removed from the registry.
package codec

import "fmt"

// ID identifies the compression scheme a blob was written with.
type ID byte

const (
	// Gzip is the only codec shipped today (see DESIGN.md for why this is
	// the one ambient concern built on the standard library rather than a
	// pack dependency).
	Gzip ID = 1
)

// headerLen covers the two magic bytes plus the one-byte codec id.
const headerLen = 3

var magic = [2]byte{0xE5, 0x0C}

// Codec compresses and decompresses a single blob format.
type Codec interface {
	ID() ID
	Encode(plain []byte) ([]byte, error)
	Decode(compressed []byte) ([]byte, error)
}

var registry = map[ID]Codec{}

// Register adds a codec implementation to the decode-side registry. Called
// from init() by each codec implementation file.
func Register(c Codec) {
	registry[c.ID()] = c
}

// Current is the codec new writes are wrapped with. Exposed as a variable so
// a future migration can point it at a differently-tuned codec without
// touching callers.
var Current = Gzip

// Wrap compresses plain with the Current codec and prefixes the header.
func Wrap(plain []byte) ([]byte, error) {
	c, ok := registry[Current]
	if !ok {
		return nil, fmt.Errorf("codec: no codec registered for current id %d", Current)
	}
	payload, err := c.Encode(plain)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	out := make([]byte, 0, headerLen+len(payload))
	out = append(out, magic[0], magic[1])
	out = append(out, byte(c.ID()))
	return append(out, payload...), nil
}

// Unwrap reads the header from b, looks up the matching codec, and returns
// the decompressed payload.
func Unwrap(b []byte) ([]byte, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("codec: blob too short for header: %d bytes", len(b))
	}
	if b[0] != magic[0] || b[1] != magic[1] {
		return nil, fmt.Errorf("codec: bad magic bytes %x%x", b[0], b[1])
	}
	id := ID(b[2])
	c, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec id %d", id)
	}
	plain, err := c.Decode(b[headerLen:])
	if err != nil {
		return nil, fmt.Errorf("codec: decode with codec %d: %w", id, err)
	}
	return plain, nil
}
