// Package trie implements the authenticated 16-way trie holding the
// content log. Every node is stored under its canonical hash, so two
// replicas can compare subtrees by hash alone. Writes create new nodes
// along the rewritten path and leave superseded versions in the store;
// reclaiming them is the backing store's separate compaction pass.
package trie

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/uplog/uplog/pkg/keyValStore"
)

// EmptyRoot is the canonical root hash of a trie holding nothing:
// the keccak-256 digest of the RLP encoding of the empty string.
var EmptyRoot = crypto.Keccak256([]byte{0x80})

// ErrNodeNotFound reports that no node exists for a hash or key path.
// It is an expected outcome during reconciliation, not a fault.
var ErrNodeNotFound = errors.New("trie: node not found")

var (
	nodePrefix = []byte("n/")
	rootKey    = []byte("meta/root")
)

type Trie struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger

	mu   sync.RWMutex
	root []byte
}

// KeyToNibbles expands a byte key into its nibble path, high nibble first.
func KeyToNibbles(key []byte) []byte {
	return keyToNibbles(key)
}

// RefEqual reports whether two node references denote the same node.
// References are the fixed-length byte strings produced by HashNode;
// decoded nodes are never valid operands here.
func RefEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func NewTrie(kv *keyValStore.KeyValStore, logger *logrus.Logger) (*Trie, error) {
	if logger == nil {
		logger = logrus.New()
	}

	t := &Trie{kv: kv, log: logger}

	root, err := kv.Read(rootKey)
	if errors.Is(err, keyValStore.ErrNotFound) {
		t.root = EmptyRoot
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading trie root: %w", err)
	}
	t.root = root
	return t, nil
}

// Root returns the current root hash. Callers that walk the trie must
// snapshot this value first; the walk is undefined against a moving root.
func (t *Trie) Root() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	root := make([]byte, len(t.root))
	copy(root, t.root)
	return root
}

// GetNodeByHash reads and decodes the node stored under the given hash.
func (t *Trie) GetNodeByHash(hash []byte) (Node, error) {
	enc, err := t.kv.Read(nodeKey(hash))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading node %x: %w", hash, err)
	}
	return DecodeNode(enc)
}

// Resolve turns any node reference into a node: inline references are
// decoded directly, 32-byte hashes are read from the store.
func (t *Trie) Resolve(ref []byte) (Node, error) {
	if len(ref) == 0 {
		return nil, ErrNodeNotFound
	}
	if len(ref) < 32 {
		return DecodeNode(ref)
	}
	return t.GetNodeByHash(ref)
}

// GetPathTo walks from the root along the given nibble path and returns
// whichever node currently occupies that position: the leaf when the
// path terminates in one, otherwise the node at the nearest divergence.
func (t *Trie) GetPathTo(path []byte) (Node, error) {
	root := t.Root()
	if RefEqual(root, EmptyRoot) {
		return nil, ErrNodeNotFound
	}

	ref := root
	rest := path
	for {
		node, err := t.Resolve(ref)
		if err != nil {
			return nil, err
		}
		switch n := node.(type) {
		case *LeafNode:
			return n, nil
		case *ExtensionNode:
			if len(rest) >= len(n.Path) && bytes.Equal(rest[:len(n.Path)], n.Path) {
				ref = n.Child
				rest = rest[len(n.Path):]
				continue
			}
			return n, nil
		case *BranchNode:
			if len(rest) == 0 {
				return n, nil
			}
			child := n.Children[rest[0]]
			if len(child) == 0 {
				return nil, ErrNodeNotFound
			}
			ref = child
			rest = rest[1:]
		default:
			return nil, fmt.Errorf("unknown node kind %T at path %x", node, path)
		}
	}
}

// Get returns the value stored under key, or ErrNodeNotFound.
func (t *Trie) Get(key []byte) ([]byte, error) {
	root := t.Root()
	if RefEqual(root, EmptyRoot) {
		return nil, ErrNodeNotFound
	}

	ref := root
	rest := keyToNibbles(key)
	for {
		node, err := t.Resolve(ref)
		if err != nil {
			return nil, err
		}
		switch n := node.(type) {
		case *LeafNode:
			if bytes.Equal(n.Path, rest) {
				return n.Value, nil
			}
			return nil, ErrNodeNotFound
		case *ExtensionNode:
			if len(rest) >= len(n.Path) && bytes.Equal(rest[:len(n.Path)], n.Path) {
				ref = n.Child
				rest = rest[len(n.Path):]
				continue
			}
			return nil, ErrNodeNotFound
		case *BranchNode:
			if len(rest) == 0 {
				if n.Value == nil {
					return nil, ErrNodeNotFound
				}
				return n.Value, nil
			}
			child := n.Children[rest[0]]
			if len(child) == 0 {
				return nil, ErrNodeNotFound
			}
			ref = child
			rest = rest[1:]
		default:
			return nil, fmt.Errorf("unknown node kind %T under key %x", node, key)
		}
	}
}

// Put stores value under key, rewriting the nodes along the path and
// committing a new root. Old node versions stay readable until the
// store's compaction pass reclaims them.
func (t *Trie) Put(key []byte, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rootRef []byte
	if !RefEqual(t.root, EmptyRoot) {
		rootRef = t.root
	}

	node, err := t.insert(rootRef, keyToNibbles(key), value)
	if err != nil {
		return fmt.Errorf("error inserting key %x: %w", key, err)
	}

	// The root node is always written and referenced by full hash,
	// even when its encoding is shorter than 32 bytes.
	enc, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("error encoding new root: %w", err)
	}
	rootHash := crypto.Keccak256(enc)
	if err := t.kv.Write(nodeKey(rootHash), enc); err != nil {
		return fmt.Errorf("error writing new root: %w", err)
	}
	if err := t.kv.Write(rootKey, rootHash); err != nil {
		return fmt.Errorf("error updating root pointer: %w", err)
	}
	t.root = rootHash
	return nil
}

// commit encodes a node and returns its reference. Nodes with encodings
// of 32 bytes or more are written to the store under their hash; shorter
// ones stay inline in their parent and are not written.
func (t *Trie) commit(n Node) ([]byte, error) {
	enc, err := encodeNode(n)
	if err != nil {
		return nil, err
	}
	if len(enc) < 32 {
		return enc, nil
	}
	hash := crypto.Keccak256(enc)
	if err := t.kv.Write(nodeKey(hash), enc); err != nil {
		return nil, fmt.Errorf("error writing node %x: %w", hash, err)
	}
	return hash, nil
}

func (t *Trie) insert(ref []byte, path []byte, value []byte) (Node, error) {
	if len(ref) == 0 {
		return &LeafNode{Path: path, Value: value}, nil
	}

	node, err := t.Resolve(ref)
	if err != nil {
		return nil, err
	}

	switch n := node.(type) {
	case *LeafNode:
		cp := commonPrefix(n.Path, path)
		if cp == len(n.Path) && cp == len(path) {
			// Same key. Content-derived keys make this an idempotent
			// overwrite with identical value.
			return &LeafNode{Path: path, Value: value}, nil
		}
		branch := &BranchNode{}
		if err := t.attachLeaf(branch, n.Path[cp:], n.Value); err != nil {
			return nil, err
		}
		if err := t.attachLeaf(branch, path[cp:], value); err != nil {
			return nil, err
		}
		return t.wrapPrefix(path[:cp], branch)
	case *ExtensionNode:
		cp := commonPrefix(n.Path, path)
		if cp == len(n.Path) {
			child, err := t.insert(n.Child, path[cp:], value)
			if err != nil {
				return nil, err
			}
			childRef, err := t.commit(child)
			if err != nil {
				return nil, err
			}
			return &ExtensionNode{Path: n.Path, Child: childRef}, nil
		}
		branch := &BranchNode{}
		if len(n.Path) > cp+1 {
			tailRef, err := t.commit(&ExtensionNode{Path: n.Path[cp+1:], Child: n.Child})
			if err != nil {
				return nil, err
			}
			branch.Children[n.Path[cp]] = tailRef
		} else {
			branch.Children[n.Path[cp]] = n.Child
		}
		if err := t.attachLeaf(branch, path[cp:], value); err != nil {
			return nil, err
		}
		return t.wrapPrefix(path[:cp], branch)
	case *BranchNode:
		next := &BranchNode{Value: n.Value}
		copy(next.Children[:], n.Children[:])
		if len(path) == 0 {
			next.Value = value
			return next, nil
		}
		child, err := t.insert(n.Children[path[0]], path[1:], value)
		if err != nil {
			return nil, err
		}
		childRef, err := t.commit(child)
		if err != nil {
			return nil, err
		}
		next.Children[path[0]] = childRef
		return next, nil
	default:
		return nil, fmt.Errorf("unknown node kind %T", node)
	}
}

// attachLeaf hangs a remainder path and value off a branch under
// construction. An empty remainder lands in the branch's own value slot.
func (t *Trie) attachLeaf(branch *BranchNode, rest []byte, value []byte) error {
	if len(rest) == 0 {
		branch.Value = value
		return nil
	}
	ref, err := t.commit(&LeafNode{Path: rest[1:], Value: value})
	if err != nil {
		return err
	}
	branch.Children[rest[0]] = ref
	return nil
}

// wrapPrefix wraps a branch in an extension node when the diverging keys
// shared a prefix.
func (t *Trie) wrapPrefix(prefix []byte, branch *BranchNode) (Node, error) {
	if len(prefix) == 0 {
		return branch, nil
	}
	ref, err := t.commit(branch)
	if err != nil {
		return nil, err
	}
	return &ExtensionNode{Path: prefix, Child: ref}, nil
}

func commonPrefix(a, b []byte) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func nodeKey(hash []byte) []byte {
	return append(append([]byte{}, nodePrefix...), hash...)
}
