package trie

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uplog/uplog/pkg/message"
)

// errStopWalk aborts a traversal early once a consumer has seen enough.
var errStopWalk = errors.New("trie: walk stopped")

// Record is a leaf in its raw stored form: the full key and the
// canonical message bytes, undecoded.
type Record struct {
	Key []byte
	Raw []byte
}

// ParsedRecord is a leaf decoded into a message, with the signer
// already recovered.
type ParsedRecord struct {
	Key     []byte
	Raw     []byte
	Message message.Message
	Signer  common.Address
}

// LeafOptions filter and bound a Leaves call. They layer on top of the
// traversal; the walk order itself never changes.
type LeafOptions struct {
	// From skips the first From matching records.
	From int
	// Amount caps the number of returned records; 0 means no cap.
	Amount int
	// StartTimestamp drops records older than this unix time.
	StartTimestamp int64
	// Href, when set, keeps only records whose normalized href equals
	// the normalized form of this value.
	Href string
}

// Walk runs a depth-first traversal over every leaf reachable from root,
// calling fn with the leaf's full nibble path and stored value. Branch
// children are visited in ascending index order; an empty-trie root
// yields nothing. Each call starts a fresh traversal.
func (t *Trie) Walk(root []byte, fn func(path []byte, value []byte) error) error {
	if len(root) == 0 || RefEqual(root, EmptyRoot) {
		return nil
	}
	err := t.walk(root, nil, fn)
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

func (t *Trie) walk(ref []byte, prefix []byte, fn func(path []byte, value []byte) error) error {
	node, err := t.Resolve(ref)
	if err != nil {
		return err
	}

	switch n := node.(type) {
	case *LeafNode:
		path := make([]byte, 0, len(prefix)+len(n.Path))
		path = append(append(path, prefix...), n.Path...)
		return fn(path, n.Value)
	case *ExtensionNode:
		next := make([]byte, 0, len(prefix)+len(n.Path))
		next = append(append(next, prefix...), n.Path...)
		return t.walk(n.Child, next, fn)
	case *BranchNode:
		if n.Value != nil {
			path := make([]byte, len(prefix))
			copy(path, prefix)
			if err := fn(path, n.Value); err != nil {
				return err
			}
		}
		for i := 0; i < 16; i++ {
			child := n.Children[i]
			if len(child) == 0 {
				continue
			}
			next := make([]byte, 0, len(prefix)+1)
			next = append(append(next, prefix...), byte(i))
			if err := t.walk(child, next, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown node kind %T during walk", node)
	}
}

// RawLeaves collects every leaf under root as raw stored bytes.
func (t *Trie) RawLeaves(root []byte) ([]Record, error) {
	var records []Record
	err := t.Walk(root, func(path []byte, value []byte) error {
		records = append(records, Record{Key: nibblesToBytes(path), Raw: value})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error collecting leaves: %w", err)
	}
	return records, nil
}

// Leaves collects leaves under root as parsed records, applying the
// given filters and bounds in traversal order.
func (t *Trie) Leaves(root []byte, opts LeafOptions) ([]ParsedRecord, error) {
	var wantHref string
	if opts.Href != "" {
		normalized, err := message.NormalizeHref(opts.Href)
		if err != nil {
			return nil, fmt.Errorf("error normalizing href filter: %w", err)
		}
		wantHref = normalized
	}

	var records []ParsedRecord
	skipped := 0
	err := t.Walk(root, func(path []byte, value []byte) error {
		m, err := message.FromCanonical(value)
		if err != nil {
			return fmt.Errorf("error parsing leaf at %x: %w", path, err)
		}
		if m.Timestamp < opts.StartTimestamp {
			return nil
		}
		if wantHref != "" {
			href, err := message.NormalizeHref(m.Href)
			if err != nil {
				return fmt.Errorf("error normalizing leaf href at %x: %w", path, err)
			}
			if href != wantHref {
				return nil
			}
		}
		if skipped < opts.From {
			skipped++
			return nil
		}

		signer, err := m.Recover()
		if err != nil {
			return fmt.Errorf("error recovering signer at %x: %w", path, err)
		}
		records = append(records, ParsedRecord{
			Key:     nibblesToBytes(path),
			Raw:     value,
			Message: m,
			Signer:  signer,
		})
		if opts.Amount > 0 && len(records) >= opts.Amount {
			return errStopWalk
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error collecting leaves: %w", err)
	}
	return records, nil
}

// nibblesToBytes packs an even-length nibble path back into bytes.
func nibblesToBytes(nibbles []byte) []byte {
	b := make([]byte, len(nibbles)/2)
	for i := 0; i+1 < len(nibbles); i += 2 {
		b[i/2] = nibbles[i]<<4 | nibbles[i+1]
	}
	return b
}
