// Package reconcile implements the level-bounded tree-diff protocol two
// replicas use to find divergent subtrees without shipping the whole
// dataset. The orchestration (round trips, timeouts, fetching divergent
// leaves) belongs to the caller; this package only classifies and
// enumerates node descriptors against the local trie.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/uplog/uplog/pkg/trie"
)

// Classification says how a remote descriptor relates to the local trie.
type Classification string

const (
	// ClassMatch: the node exists locally under the same hash; the
	// whole subtree below it is identical.
	ClassMatch Classification = "match"
	// ClassMismatch: a different node occupies the same key path
	// locally; sync must descend below this position.
	ClassMismatch Classification = "mismatch"
	// ClassMissing: nothing is known locally for this descriptor. For
	// inline references the remote already holds the actual bytes and
	// there is nothing to fetch.
	ClassMissing Classification = "missing"
)

// Descriptor identifies one node of a replica's trie during sync:
// its distance from the root, its key path as nibble bytes, and its
// reference hash. Ephemeral, never persisted.
type Descriptor struct {
	Level int
	Key   []byte
	Hash  []byte
}

// Comparison partitions a batch of remote descriptors. The three slices
// are pairwise disjoint and together cover every input descriptor.
type Comparison struct {
	Match    []Descriptor
	Mismatch []Descriptor
	Missing  []Descriptor
}

type Reconciler struct {
	trie *trie.Trie
	log  *logrus.Logger
}

func NewReconciler(t *trie.Trie, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{trie: t, log: logger}
}

// Lookup classifies a single remote node reference against the local
// replica. key is the node's path as nibble bytes and is only consulted
// when the hash is unknown locally.
func (r *Reconciler) Lookup(hash []byte, key []byte) (trie.Node, Classification, error) {
	// A reference shorter than 32 bytes is the node's raw encoding
	// itself; the remote already possesses the bytes and the requester
	// has nothing to fetch.
	if len(hash) < 32 {
		return nil, ClassMissing, nil
	}

	node, err := r.trie.GetNodeByHash(hash)
	if err == nil {
		return node, ClassMatch, nil
	}
	if !errors.Is(err, trie.ErrNodeNotFound) {
		return nil, "", fmt.Errorf("error looking up node %x: %w", hash, err)
	}

	node, err = r.trie.GetPathTo(key)
	if errors.Is(err, trie.ErrNodeNotFound) {
		return nil, ClassMissing, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("error walking to path %x: %w", key, err)
	}
	// Same tree position, different content.
	return node, ClassMismatch, nil
}

// Compare partitions remote descriptors by classification. When a
// level-zero descriptor carries the local root hash the whole trees are
// equal and the rest of the batch is not worth classifying.
func (r *Reconciler) Compare(remotes []Descriptor) (Comparison, error) {
	var result Comparison
	root := r.trie.Root()

	for _, remote := range remotes {
		if remote.Level == 0 && trie.RefEqual(remote.Hash, root) {
			return Comparison{Match: []Descriptor{remote}}, nil
		}

		_, class, err := r.Lookup(remote.Hash, remote.Key)
		if err != nil {
			return Comparison{}, err
		}
		switch class {
		case ClassMatch:
			result.Match = append(result.Match, remote)
		case ClassMismatch:
			result.Mismatch = append(result.Mismatch, remote)
		case ClassMissing:
			result.Missing = append(result.Missing, remote)
		}
	}

	return result, nil
}

// Descend enumerates the local replica's node descriptors at exactly
// level hops from the root, skipping hashes listed in exclude
// (previously confirmed matches). On an entirely empty trie, level zero
// yields the canonical empty-root sentinel instead of failing.
func (r *Reconciler) Descend(level int, exclude [][]byte) ([]Descriptor, error) {
	root := r.trie.Root()
	if trie.RefEqual(root, trie.EmptyRoot) {
		if level == 0 {
			return []Descriptor{{Level: 0, Key: []byte{}, Hash: trie.EmptyRoot}}, nil
		}
		return nil, nil
	}

	var descriptors []Descriptor
	err := r.descend(root, nil, level, level, exclude, &descriptors)
	if err != nil {
		return nil, fmt.Errorf("error descending to level %d: %w", level, err)
	}
	return descriptors, nil
}

func (r *Reconciler) descend(ref []byte, path []byte, level, remaining int, exclude [][]byte, out *[]Descriptor) error {
	if remaining == 0 {
		if excluded(ref, exclude) {
			return nil
		}
		node, err := r.trie.Resolve(ref)
		if err != nil {
			return err
		}

		key := make([]byte, len(path))
		copy(key, path)
		// A leaf recorded above level zero announces its full key:
		// the path walked so far plus the leaf's own stored suffix.
		// Replicas diverge silently if this rule is not exact.
		if leaf, ok := node.(*trie.LeafNode); ok && level > 0 {
			key = append(key, leaf.Path...)
		}

		*out = append(*out, Descriptor{Level: level, Key: key, Hash: ref})
		return nil
	}

	node, err := r.trie.Resolve(ref)
	if err != nil {
		return err
	}

	switch n := node.(type) {
	case *trie.LeafNode:
		// Nothing below a leaf.
		return nil
	case *trie.ExtensionNode:
		next := make([]byte, 0, len(path)+len(n.Path))
		next = append(append(next, path...), n.Path...)
		return r.descend(n.Child, next, level, remaining-1, exclude, out)
	case *trie.BranchNode:
		for i := 0; i < 16; i++ {
			child := n.Children[i]
			if len(child) == 0 {
				continue
			}
			next := make([]byte, 0, len(path)+1)
			next = append(append(next, path...), byte(i))
			if err := r.descend(child, next, level, remaining-1, exclude, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown node kind %T at path %x", node, path)
	}
}

func excluded(hash []byte, exclude [][]byte) bool {
	for _, e := range exclude {
		if trie.RefEqual(hash, e) {
			return true
		}
	}
	return false
}
