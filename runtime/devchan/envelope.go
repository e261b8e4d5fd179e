// Package devchan implements the secure channel between the platform and
// paired agent devices: one-time registration tokens, X25519 key agreement
// with HKDF-derived per-direction keys, AES-256-GCM message envelopes with
// replay and freshness protection, and immediate revocation.
package devchan

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/n3nlabs/n3n/runtime/fault"
)

// Version is the only envelope protocol version this implementation speaks.
const Version = 1

// Alg is the AEAD algorithm identifier carried in every header.
const Alg = "A256GCM"

// Direction tags which half of the channel a message travels on. The
// direction picks the encryption key.
type Direction string

const (
	// DirC2S is client (agent) to server.
	DirC2S Direction = "c2s"
	// DirS2C is server to client.
	DirS2C Direction = "s2c"
)

// Header is the authenticated-but-plaintext part of an envelope. Its exact
// serialized bytes are the AEAD associated data, so the encoder must be
// canonical and decode must keep the original bytes around for decryption.
type Header struct {
	V     int       `json:"v"`
	Alg   string    `json:"alg"`
	DID   string    `json:"did"`
	TS    int64     `json:"ts"`
	Seq   uint64    `json:"seq"`
	Nonce string    `json:"nonce"`
	Dir   Direction `json:"dir"`
}

// envelope is the parsed wire form of header.ciphertext.tag.
type envelope struct {
	header     Header
	headerRaw  []byte
	ciphertext []byte
	tag        []byte
}

var b64 = base64.RawURLEncoding

// encodeEnvelope renders header.ciphertext.tag with base64url (no padding)
// segments.
func encodeEnvelope(headerRaw, ciphertext, tag []byte) string {
	var sb strings.Builder
	sb.Grow(b64.EncodedLen(len(headerRaw)) + b64.EncodedLen(len(ciphertext)) + b64.EncodedLen(len(tag)) + 2)
	sb.WriteString(b64.EncodeToString(headerRaw))
	sb.WriteByte('.')
	sb.WriteString(b64.EncodeToString(ciphertext))
	sb.WriteByte('.')
	sb.WriteString(b64.EncodeToString(tag))
	return sb.String()
}

// decodeEnvelope splits and decodes the wire form. The raw header bytes are
// preserved verbatim; they are the AAD regardless of how the sender chose to
// serialize.
func decodeEnvelope(s string) (*envelope, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, fault.New(fault.Validation, "envelope must have three segments")
	}
	headerRaw, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "decode envelope header", err)
	}
	ciphertext, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "decode envelope ciphertext", err)
	}
	tag, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "decode envelope tag", err)
	}
	var h Header
	if err := json.Unmarshal(headerRaw, &h); err != nil {
		return nil, fault.Wrap(fault.Validation, "parse envelope header", err)
	}
	return &envelope{header: h, headerRaw: headerRaw, ciphertext: ciphertext, tag: tag}, nil
}
