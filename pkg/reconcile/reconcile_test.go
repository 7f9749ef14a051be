package reconcile_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uplog/uplog/pkg/keyValStore"
	"github.com/uplog/uplog/pkg/reconcile"
	"github.com/uplog/uplog/pkg/trie"
)

func newTestReconciler(t *testing.T) (*reconcile.Reconciler, *trie.Trie) {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(kv.Close)

	tr, err := trie.NewTrie(kv, nil)
	require.NoError(t, err)
	return reconcile.NewReconciler(tr, nil), tr
}

// testKey builds a 32-byte key starting with the given nibbles so tests
// control exactly where keys diverge.
func testKey(nibbles ...byte) []byte {
	key := make([]byte, 32)
	for i, n := range nibbles {
		if i%2 == 0 {
			key[i/2] |= n << 4
		} else {
			key[i/2] |= n
		}
	}
	return key
}

func testValue(tag byte) []byte {
	return append(bytes.Repeat([]byte{tag}, 40), tag)
}

func TestDescendLevelZeroEmptyTrie(t *testing.T) {
	r, _ := newTestReconciler(t)

	descriptors, err := r.Descend(0, nil)
	require.NoError(t, err)
	require.Len(t, descriptors, 1, "an empty trie answers with the sentinel, it does not fail")
	assert.Equal(t, 0, descriptors[0].Level)
	assert.Empty(t, descriptors[0].Key)
	assert.True(t, trie.RefEqual(descriptors[0].Hash, trie.EmptyRoot))
}

func TestDescendLevelZeroNonEmptyTrie(t *testing.T) {
	r, tr := newTestReconciler(t)
	require.NoError(t, tr.Put(testKey(0x1), testValue('a')))
	require.NoError(t, tr.Put(testKey(0x2), testValue('b')))

	descriptors, err := r.Descend(0, nil)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, 0, descriptors[0].Level)
	assert.Empty(t, descriptors[0].Key)
	assert.True(t, trie.RefEqual(descriptors[0].Hash, tr.Root()))
}

func TestDescendEmitsFullLeafKeys(t *testing.T) {
	r, tr := newTestReconciler(t)
	keyA := testKey(0x1)
	keyB := testKey(0x2)
	require.NoError(t, tr.Put(keyA, testValue('a')))
	require.NoError(t, tr.Put(keyB, testValue('b')))

	// Both keys diverge on the first nibble, so level 1 holds two
	// leaves. Their descriptors must announce full keys: the walked
	// path concatenated with each leaf's stored suffix.
	descriptors, err := r.Descend(1, nil)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	want := map[string]struct{}{
		string(trie.KeyToNibbles(keyA)): {},
		string(trie.KeyToNibbles(keyB)): {},
	}
	for _, d := range descriptors {
		assert.Equal(t, 1, d.Level)
		assert.Len(t, d.Key, 64, "leaf descriptors above level zero carry the full key")
		_, ok := want[string(d.Key)]
		assert.True(t, ok, "descriptor key %x is not a known full key", d.Key)
	}
}

func TestDescendExcludeSkipsConfirmedMatches(t *testing.T) {
	r, tr := newTestReconciler(t)
	require.NoError(t, tr.Put(testKey(0x1), testValue('a')))
	require.NoError(t, tr.Put(testKey(0x2), testValue('b')))

	all, err := r.Descend(1, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	rest, err := r.Descend(1, [][]byte{all[0].Hash})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.True(t, trie.RefEqual(rest[0].Hash, all[1].Hash))
}

func TestDescendStopsAtLeaves(t *testing.T) {
	r, tr := newTestReconciler(t)
	require.NoError(t, tr.Put(testKey(0x1), testValue('a')))
	require.NoError(t, tr.Put(testKey(0x2), testValue('b')))

	// Nothing exists below the two leaves at level 1.
	descriptors, err := r.Descend(2, nil)
	require.NoError(t, err)
	assert.Empty(t, descriptors)
}

func TestLookupClassifications(t *testing.T) {
	r, tr := newTestReconciler(t)
	keyA := testKey(0x1)
	require.NoError(t, tr.Put(keyA, testValue('a')))
	require.NoError(t, tr.Put(testKey(0x2), testValue('b')))

	// Inline reference: shorter than a hash, the bytes are the node.
	_, class, err := r.Lookup([]byte{0xc2, 0x80, 0x80}, nil)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ClassMissing, class)

	// Known hash.
	node, class, err := r.Lookup(tr.Root(), nil)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ClassMatch, class)
	assert.NotNil(t, node)

	// Unknown hash at an occupied position: same place, different content.
	unknown := bytes.Repeat([]byte{0xee}, 32)
	node, class, err = r.Lookup(unknown, trie.KeyToNibbles(keyA))
	require.NoError(t, err)
	assert.Equal(t, reconcile.ClassMismatch, class)
	assert.NotNil(t, node)

	// Unknown hash at an unoccupied position: nothing to compare against.
	_, class, err = r.Lookup(unknown, trie.KeyToNibbles(testKey(0x3)))
	require.NoError(t, err)
	assert.Equal(t, reconcile.ClassMissing, class)
}

func TestCompareRootEqualityShortCircuits(t *testing.T) {
	r, tr := newTestReconciler(t)
	require.NoError(t, tr.Put(testKey(0x1), testValue('a')))

	remote := []reconcile.Descriptor{
		{Level: 0, Key: []byte{}, Hash: tr.Root()},
		{Level: 1, Key: trie.KeyToNibbles(testKey(0x9)), Hash: bytes.Repeat([]byte{0xaa}, 32)},
	}

	result, err := r.Compare(remote)
	require.NoError(t, err)
	assert.Len(t, result.Match, 1, "root equality means whole-tree equality, rest of batch is moot")
	assert.Empty(t, result.Mismatch)
	assert.Empty(t, result.Missing)
}

func TestComparePartitionsDisjointAndCovering(t *testing.T) {
	r, tr := newTestReconciler(t)
	keyA := testKey(0x1)
	require.NoError(t, tr.Put(keyA, testValue('a')))
	require.NoError(t, tr.Put(testKey(0x2), testValue('b')))

	local, err := r.Descend(1, nil)
	require.NoError(t, err)
	require.Len(t, local, 2)

	remote := []reconcile.Descriptor{
		// Matches a local node exactly.
		local[0],
		// Same position as keyA's leaf, different hash.
		{Level: 1, Key: trie.KeyToNibbles(keyA), Hash: bytes.Repeat([]byte{0xee}, 32)},
		// Unknown position entirely.
		{Level: 1, Key: trie.KeyToNibbles(testKey(0x7)), Hash: bytes.Repeat([]byte{0xdd}, 32)},
	}

	result, err := r.Compare(remote)
	require.NoError(t, err)
	assert.Len(t, result.Match, 1)
	assert.Len(t, result.Mismatch, 1)
	assert.Len(t, result.Missing, 1)

	total := len(result.Match) + len(result.Mismatch) + len(result.Missing)
	assert.Equal(t, len(remote), total, "partitions must cover every input descriptor")
}

func TestReplicasConvergeOnSameRoot(t *testing.T) {
	_, trA := newTestReconciler(t)
	rB, trB := newTestReconciler(t)

	for i, tag := range []byte{'a', 'b', 'c'} {
		key := testKey(byte(i + 1))
		require.NoError(t, trA.Put(key, testValue(tag)))
		require.NoError(t, trB.Put(key, testValue(tag)))
	}

	// Identical content admitted in any order yields identical roots,
	// so level-zero comparison settles the whole sync.
	assert.True(t, trie.RefEqual(trA.Root(), trB.Root()))

	result, err := rB.Compare([]reconcile.Descriptor{
		{Level: 0, Key: []byte{}, Hash: trA.Root()},
	})
	require.NoError(t, err)
	assert.Len(t, result.Match, 1)
}
