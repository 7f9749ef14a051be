// Package message defines the signed log message and its canonical
// codec: a deterministic JSON form (RFC 8785) whose keccak-256 digest is
// the message's trie key, and the EIP-712 digest the signature covers.
package message

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

const (
	// TypeSubmit introduces a link to the log.
	TypeSubmit = "submit"
	// TypeAmplify upvotes a previously submitted link.
	TypeAmplify = "amplify"
)

// Message is one signed log entry. It is immutable once signed; every
// field participates in the canonical encoding.
type Message struct {
	Href      string `json:"href"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Title     string `json:"title"`
	Type      string `json:"type"`
}

var (
	domainTypeHash  = crypto.Keccak256([]byte("EIP712Domain(string name,string version)"))
	messageTypeHash = crypto.Keccak256([]byte("Message(string href,string title,string type,uint256 timestamp)"))

	domainSeparator = crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte("uplog")),
		crypto.Keccak256([]byte("1.0.0")),
	)
)

// Validate checks the structural constraints a message must satisfy
// before any cryptographic work is done on it.
func (m Message) Validate() error {
	if m.Type != TypeSubmit && m.Type != TypeAmplify {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.Href == "" {
		return errors.New("message href is empty")
	}
	if m.Signature == "" {
		return errors.New("message signature is empty")
	}
	return nil
}

// SigningHash returns the EIP-712 digest the signature must cover.
func (m Message) SigningHash() []byte {
	structHash := crypto.Keccak256(
		messageTypeHash,
		crypto.Keccak256([]byte(m.Href)),
		crypto.Keccak256([]byte(m.Title)),
		crypto.Keccak256([]byte(m.Type)),
		common.LeftPadBytes(big.NewInt(m.Timestamp).Bytes(), 32),
	)
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash)
}

// Recover returns the address that produced the message signature.
func (m Message) Recover() (common.Address, error) {
	sig, err := hexutil.Decode(m.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("error decoding signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}

	// Wallets emit V as 27/28, the recovery code wants 0/1.
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(m.SigningHash(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("error recovering public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign sets the Signature field to the EIP-712 signature of the message
// under the given key. Used by signers and test fixtures; admission only
// ever verifies.
func (m Message) Sign(key *ecdsa.PrivateKey) (Message, error) {
	sig, err := crypto.Sign(m.SigningHash(), key)
	if err != nil {
		return Message{}, fmt.Errorf("error signing message: %w", err)
	}
	sig[64] += 27
	m.Signature = hexutil.Encode(sig)
	return m, nil
}

// Canonical returns the RFC 8785 canonical JSON encoding of the message.
// Byte-identical messages always canonicalize identically.
func (m Message) Canonical() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error marshaling message: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("error canonicalizing message: %w", err)
	}
	return canonical, nil
}

// Digest returns the canonical encoding and its keccak-256 digest, the
// message's trie key. Deterministic and side-effect-free.
func (m Message) Digest() (canonical []byte, key []byte, err error) {
	canonical, err = m.Canonical()
	if err != nil {
		return nil, nil, err
	}
	return canonical, crypto.Keccak256(canonical), nil
}

// FromCanonical parses a stored canonical encoding back into a message.
func FromCanonical(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("error parsing canonical message: %w", err)
	}
	return m, nil
}

// NormalizeHref reduces a link to its comparable form: lowercased scheme
// and host, default ports and fragments dropped, no trailing slash.
// Dedup keys and href filters compare this form, never the raw input.
func NormalizeHref(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("error parsing href %q: %w", href, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("href %q has no scheme or host", href)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String(), nil
}
