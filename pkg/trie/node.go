package trie

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Node is one of the three trie node kinds. Nodes are content-addressed:
// their identity is the value returned by HashNode, never an object
// reference, and they are never mutated in place.
type Node interface {
	isNode()
}

// BranchNode fans out 16 ways on the next nibble of the key. Children
// holds node references: nil for an empty slot, the 32-byte hash of the
// child, or the child's raw encoding if that encoding is shorter than
// 32 bytes (an inline node).
type BranchNode struct {
	Children [16][]byte
	Value    []byte
}

// ExtensionNode compresses a run of nibbles shared by every key below it.
// Path holds the shared nibbles, Child the reference to the single child.
type ExtensionNode struct {
	Path  []byte
	Child []byte
}

// LeafNode terminates a key. Path holds the remaining nibbles of the key,
// Value the stored canonical message bytes.
type LeafNode struct {
	Path  []byte
	Value []byte
}

func (*BranchNode) isNode()    {}
func (*ExtensionNode) isNode() {}
func (*LeafNode) isNode()      {}

// keyToNibbles expands each key byte into two nibbles, high first.
func keyToNibbles(key []byte) []byte {
	nibbles := make([]byte, 0, len(key)*2)
	for _, b := range key {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	return nibbles
}

// compactEncode applies hex-prefix encoding to a nibble path. The flag
// nibble distinguishes leaf from extension paths and odd from even
// lengths, so the canonical encoding is unambiguous.
func compactEncode(nibbles []byte, isLeaf bool) []byte {
	var flag byte
	if isLeaf {
		flag = 2
	}
	if len(nibbles)%2 == 1 {
		buf := make([]byte, 1+len(nibbles)/2)
		buf[0] = (flag + 1) << 4
		buf[0] |= nibbles[0]
		for i := 1; i < len(nibbles); i += 2 {
			buf[1+i/2] = nibbles[i]<<4 | nibbles[i+1]
		}
		return buf
	}
	buf := make([]byte, 1+len(nibbles)/2)
	buf[0] = flag << 4
	for i := 0; i < len(nibbles); i += 2 {
		buf[1+i/2] = nibbles[i]<<4 | nibbles[i+1]
	}
	return buf
}

func compactDecode(b []byte) (nibbles []byte, isLeaf bool, err error) {
	if len(b) == 0 {
		return nil, false, fmt.Errorf("empty hex-prefix encoding")
	}
	flag := b[0] >> 4
	if flag > 3 {
		return nil, false, fmt.Errorf("invalid hex-prefix flag %d", flag)
	}
	isLeaf = flag >= 2
	if flag%2 == 1 {
		nibbles = append(nibbles, b[0]&0x0f)
	}
	for _, by := range b[1:] {
		nibbles = append(nibbles, by>>4, by&0x0f)
	}
	return nibbles, isLeaf, nil
}

// encodeRef prepares a child reference for inclusion in a parent's RLP
// list. Hashes are encoded as 32-byte strings; inline references are
// already valid RLP and are spliced in verbatim.
func encodeRef(ref []byte) interface{} {
	if len(ref) == 0 {
		return []byte{}
	}
	if len(ref) == 32 {
		return ref
	}
	return rlp.RawValue(ref)
}

// encodeNode produces the canonical raw encoding of a node: the RLP list
// of its fields. This encoding is the sole input to HashNode, so it
// decides whether two replicas consider a node identical.
func encodeNode(n Node) ([]byte, error) {
	switch n := n.(type) {
	case *BranchNode:
		items := make([]interface{}, 17)
		for i, ref := range n.Children {
			items[i] = encodeRef(ref)
		}
		if n.Value == nil {
			items[16] = []byte{}
		} else {
			items[16] = n.Value
		}
		return rlp.EncodeToBytes(items)
	case *ExtensionNode:
		return rlp.EncodeToBytes([]interface{}{
			compactEncode(n.Path, false),
			encodeRef(n.Child),
		})
	case *LeafNode:
		return rlp.EncodeToBytes([]interface{}{
			compactEncode(n.Path, true),
			n.Value,
		})
	default:
		return nil, fmt.Errorf("unknown node kind %T", n)
	}
}

// HashNode returns the node's reference: the raw encoding itself when it
// is shorter than 32 bytes (inline node), otherwise the keccak-256
// digest of the encoding.
func HashNode(n Node) ([]byte, error) {
	enc, err := encodeNode(n)
	if err != nil {
		return nil, err
	}
	if len(enc) < 32 {
		return enc, nil
	}
	return crypto.Keccak256(enc), nil
}

func decodeRef(elem rlp.RawValue) ([]byte, error) {
	kind, content, _, err := rlp.Split(elem)
	if err != nil {
		return nil, fmt.Errorf("error splitting node reference: %w", err)
	}
	if kind == rlp.List {
		// An embedded node; its reference is its own raw encoding.
		if len(elem) >= 32 {
			return nil, fmt.Errorf("embedded node encoding of %d bytes, must be under 32", len(elem))
		}
		return []byte(elem), nil
	}
	switch len(content) {
	case 0:
		return nil, nil
	case 32:
		return content, nil
	default:
		return nil, fmt.Errorf("invalid node reference of %d bytes", len(content))
	}
}

// DecodeNode parses a canonical raw encoding back into a node.
func DecodeNode(enc []byte) (Node, error) {
	var elems []rlp.RawValue
	if err := rlp.DecodeBytes(enc, &elems); err != nil {
		return nil, fmt.Errorf("error decoding node: %w", err)
	}

	switch len(elems) {
	case 17:
		branch := &BranchNode{}
		for i := 0; i < 16; i++ {
			ref, err := decodeRef(elems[i])
			if err != nil {
				return nil, fmt.Errorf("error decoding branch child %d: %w", i, err)
			}
			branch.Children[i] = ref
		}
		_, value, _, err := rlp.Split(elems[16])
		if err != nil {
			return nil, fmt.Errorf("error decoding branch value: %w", err)
		}
		if len(value) > 0 {
			branch.Value = value
		}
		return branch, nil
	case 2:
		_, pathBytes, _, err := rlp.Split(elems[0])
		if err != nil {
			return nil, fmt.Errorf("error decoding node path: %w", err)
		}
		path, isLeaf, err := compactDecode(pathBytes)
		if err != nil {
			return nil, fmt.Errorf("error decoding node path: %w", err)
		}
		if isLeaf {
			_, value, _, err := rlp.Split(elems[1])
			if err != nil {
				return nil, fmt.Errorf("error decoding leaf value: %w", err)
			}
			return &LeafNode{Path: path, Value: value}, nil
		}
		child, err := decodeRef(elems[1])
		if err != nil {
			return nil, fmt.Errorf("error decoding extension child: %w", err)
		}
		return &ExtensionNode{Path: path, Child: child}, nil
	default:
		return nil, fmt.Errorf("invalid node encoding with %d elements", len(elems))
	}
}
