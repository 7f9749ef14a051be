// Package admission validates one signed message and commits it into
// the trie and the dedup ledger. Validation failures reject without
// mutating anything; only the dedup check-and-set and the trie write
// change state, and the gap between them is compensated, never hidden.
package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/uplog/uplog/pkg/dedup"
	"github.com/uplog/uplog/pkg/message"
	"github.com/uplog/uplog/pkg/roster"
)

var (
	// ErrInvalidMessage rejects a message that is structurally broken
	// before any cryptographic work: unknown type, empty or unparseable
	// href, missing signature field.
	ErrInvalidMessage = errors.New("admission: invalid message")
	// ErrInvalidSignature rejects a message whose signature does not
	// recover to any address.
	ErrInvalidSignature = errors.New("admission: invalid signature")
	// ErrNotAuthorized rejects a signer that resolves to no member
	// identity. This is the gate that makes the log permissioned.
	ErrNotAuthorized = errors.New("admission: signer not authorized")
	// ErrTimestampTooOld rejects a message older than the epoch floor.
	ErrTimestampTooOld = errors.New("admission: timestamp below minimum")
	// ErrTimestampTooNew rejects a message from beyond the future
	// tolerance window. Skipped in synching mode.
	ErrTimestampTooNew = errors.New("admission: timestamp too far in the future")
	// ErrDuplicate rejects a repeat of an already-admitted
	// (identity, link, action) triple.
	ErrDuplicate = errors.New("admission: duplicate message")
)

// StorageWriteError reports a trie write failure after the dedup slot
// was already consumed. Compensated says whether the slot was given
// back; when false the ledger and trie disagree and the operator must
// know about it.
type StorageWriteError struct {
	Err         error
	Compensated bool
}

func (e *StorageWriteError) Error() string {
	if e.Compensated {
		return fmt.Sprintf("admission: trie write failed (dedup entry compensated): %v", e.Err)
	}
	return fmt.Sprintf("admission: trie write failed and dedup compensation failed: %v", e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

// TrieWriter is the slice of the trie the pipeline needs.
type TrieWriter interface {
	Put(key []byte, value []byte) error
}

// Ledger is the slice of the dedup ledger the pipeline needs.
type Ledger interface {
	Passes(key []byte) (bool, error)
	Remove(key []byte) error
}

// Distributor broadcasts admitted canonical payloads to peers.
// Publish is fire-and-forget: nothing is awaited and a slow or failing
// distributor never blocks or fails admission.
type Distributor interface {
	Publish(topic string, payload []byte)
}

type Config struct {
	// MinTimestamp is the oldest accepted message time, unix seconds.
	MinTimestamp int64
	// MaxTimestampDelta is the future-tolerance window in seconds.
	MaxTimestampDelta int64
	// Topic is the distribution topic for admitted payloads.
	Topic  string
	Logger *logrus.Logger
}

type Pipeline struct {
	config      Config
	trie        TrieWriter
	ledger      Ledger
	distributor Distributor
	log         *logrus.Logger
	now         func() time.Time
}

// NewPipeline wires an admission pipeline. distributor may be nil, in
// which case admitted payloads are simply not propagated.
func NewPipeline(config Config, trie TrieWriter, ledger Ledger, distributor Distributor) *Pipeline {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Pipeline{
		config:      config,
		trie:        trie,
		ledger:      ledger,
		distributor: distributor,
		log:         config.Logger,
		now:         time.Now,
	}
}

// Admit validates and durably commits one signed message. synching
// relaxes the future-timestamp bound for backfills from a trusted peer.
// Callers re-derive state by reading the trie; nothing is returned
// beyond the admission outcome.
func (p *Pipeline) Admit(m message.Message, synching bool, list roster.Allowlist, delegations roster.Delegations) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	signer, err := m.Recover()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	identity, ok := roster.Eligible(list, delegations, signer)
	if !ok {
		return fmt.Errorf("%w: signer %s", ErrNotAuthorized, signer.Hex())
	}

	if m.Timestamp < p.config.MinTimestamp {
		return fmt.Errorf("%w: %d < %d", ErrTimestampTooOld, m.Timestamp, p.config.MinTimestamp)
	}
	if !synching {
		limit := p.now().Unix() + p.config.MaxTimestampDelta
		if m.Timestamp >= limit {
			return fmt.Errorf("%w: %d >= %d", ErrTimestampTooNew, m.Timestamp, limit)
		}
	}

	href, err := message.NormalizeHref(m.Href)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	dedupKey := dedup.Key(identity, href, m.Type)
	fresh, err := p.ledger.Passes(dedupKey)
	if err != nil {
		return fmt.Errorf("error checking dedup ledger: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: %s already %sed %s", ErrDuplicate, identity.Hex(), m.Type, href)
	}

	canonical, key, err := m.Digest()
	if err != nil {
		// The slot was consumed for a message that cannot be encoded;
		// give it back before failing.
		if rerr := p.ledger.Remove(dedupKey); rerr != nil {
			p.log.WithField("dedupKey", string(dedupKey)).
				Errorf("Error removing dedup entry after digest failure: %v", rerr)
		}
		return fmt.Errorf("error computing canonical digest: %w", err)
	}

	if err := p.trie.Put(key, canonical); err != nil {
		werr := &StorageWriteError{Err: err, Compensated: true}
		// Best-effort compensation of the dedup entry written above.
		// This two-store sequence is not a transaction; an uncompensated
		// entry means ledger and trie disagree, so it is logged loudly.
		if rerr := p.ledger.Remove(dedupKey); rerr != nil {
			werr.Compensated = false
			p.log.WithFields(logrus.Fields{
				"dedupKey": string(dedupKey),
				"trieKey":  fmt.Sprintf("%x", key),
			}).Errorf("Dedup compensation failed, ledger and trie disagree: %v", rerr)
		}
		return werr
	}

	if p.distributor != nil {
		go p.distributor.Publish(p.config.Topic, canonical)
	}

	p.log.WithFields(logrus.Fields{
		"identity": identity.Hex(),
		"type":     m.Type,
		"href":     href,
		"key":      fmt.Sprintf("%x", key),
	}).Info("Message admitted")

	return nil
}
