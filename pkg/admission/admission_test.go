package admission_test

import (
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uplog/uplog/pkg/admission"
	"github.com/uplog/uplog/pkg/message"
	"github.com/uplog/uplog/pkg/roster"
)

type fakeTrie struct {
	mu   sync.Mutex
	fail error
	puts int
}

func (f *fakeTrie) Put(key []byte, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.puts++
	return nil
}

type fakeLedger struct {
	mu         sync.Mutex
	seen       map[string]bool
	failRemove error
	removed    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: make(map[string]bool)}
}

func (f *fakeLedger) Passes(key []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[string(key)] {
		return false, nil
	}
	f.seen[string(key)] = true
	return true, nil
}

func (f *fakeLedger) Remove(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove != nil {
		return f.failRemove
	}
	delete(f.seen, string(key))
	f.removed++
	return nil
}

type fakeDistributor struct {
	published chan []byte
}

func (f *fakeDistributor) Publish(topic string, payload []byte) {
	f.published <- payload
}

type fixture struct {
	pipeline    *admission.Pipeline
	trie        *fakeTrie
	ledger      *fakeLedger
	distributor *fakeDistributor
	signerKey   *ecdsa.PrivateKey
	list        roster.Allowlist
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		trie:        &fakeTrie{},
		ledger:      newFakeLedger(),
		distributor: &fakeDistributor{published: make(chan []byte, 8)},
		signerKey:   key,
		list:        roster.Allowlist{crypto.PubkeyToAddress(key.PublicKey): {}},
	}
	f.pipeline = admission.NewPipeline(admission.Config{
		MinTimestamp:      1640995200, // 2022-01-01
		MaxTimestampDelta: 60,
		Topic:             "uplog/messages",
	}, f.trie, f.ledger, f.distributor)
	return f
}

func (f *fixture) signed(t *testing.T, m message.Message) message.Message {
	t.Helper()
	signed, err := m.Sign(f.signerKey)
	require.NoError(t, err)
	return signed
}

func validMessage() message.Message {
	return message.Message{
		Href:      "https://x.example/article",
		Title:     "An article",
		Type:      message.TypeSubmit,
		Timestamp: time.Now().Unix(),
	}
}

func TestAdmitHappyPath(t *testing.T) {
	f := newFixture(t)
	m := f.signed(t, validMessage())

	require.NoError(t, f.pipeline.Admit(m, false, f.list, nil))
	assert.Equal(t, 1, f.trie.puts)

	select {
	case payload := <-f.distributor.published:
		canonical, _, err := m.Digest()
		require.NoError(t, err)
		assert.Equal(t, canonical, payload)
	case <-time.After(time.Second):
		t.Fatal("admitted payload was never published")
	}
}

func TestAdmitRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	m := validMessage()
	m.Type = "retract"
	m = f.signed(t, m)

	err := f.pipeline.Admit(m, false, f.list, nil)
	assert.ErrorIs(t, err, admission.ErrInvalidMessage)
	assert.Zero(t, f.trie.puts)
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	m := f.signed(t, validMessage())
	m.Signature = "0x" + "00"

	err := f.pipeline.Admit(m, false, f.list, nil)
	assert.ErrorIs(t, err, admission.ErrInvalidSignature)
	assert.Zero(t, f.trie.puts)
}

func TestAdmitRejectsUnauthorizedSigner(t *testing.T) {
	f := newFixture(t)
	m := f.signed(t, validMessage())

	err := f.pipeline.Admit(m, false, roster.Allowlist{}, nil)
	assert.ErrorIs(t, err, admission.ErrNotAuthorized)
	assert.Zero(t, f.trie.puts)
}

func TestAdmitAcceptsDelegatedSigner(t *testing.T) {
	f := newFixture(t)
	custodyKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	custody := crypto.PubkeyToAddress(custodyKey.PublicKey)

	list := roster.Allowlist{custody: {}}
	delegations := roster.Delegations{
		crypto.PubkeyToAddress(f.signerKey.PublicKey): custody,
	}

	m := f.signed(t, validMessage())
	require.NoError(t, f.pipeline.Admit(m, false, list, delegations))
	assert.Equal(t, 1, f.trie.puts)
}

func TestAdmitRejectsTimestampTooOld(t *testing.T) {
	f := newFixture(t)
	m := validMessage()
	m.Timestamp = 1000000000 // below the configured floor
	m = f.signed(t, m)

	err := f.pipeline.Admit(m, false, f.list, nil)
	assert.ErrorIs(t, err, admission.ErrTimestampTooOld)
	assert.Zero(t, f.trie.puts)
}

func TestAdmitRejectsTimestampTooNew(t *testing.T) {
	f := newFixture(t)
	m := validMessage()
	m.Timestamp = time.Now().Unix() + 3600
	m = f.signed(t, m)

	err := f.pipeline.Admit(m, false, f.list, nil)
	assert.ErrorIs(t, err, admission.ErrTimestampTooNew)
	assert.Zero(t, f.trie.puts)
}

func TestSynchingRelaxesFutureBound(t *testing.T) {
	f := newFixture(t)
	m := validMessage()
	m.Timestamp = time.Now().Unix() + 3600
	m = f.signed(t, m)

	require.NoError(t, f.pipeline.Admit(m, true, f.list, nil))
	assert.Equal(t, 1, f.trie.puts)
}

func TestSynchingKeepsEpochFloor(t *testing.T) {
	f := newFixture(t)
	m := validMessage()
	m.Timestamp = 1000000000
	m = f.signed(t, m)

	err := f.pipeline.Admit(m, true, f.list, nil)
	assert.ErrorIs(t, err, admission.ErrTimestampTooOld)
}

func TestAdmitRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	m := f.signed(t, validMessage())

	require.NoError(t, f.pipeline.Admit(m, false, f.list, nil))

	err := f.pipeline.Admit(m, false, f.list, nil)
	assert.ErrorIs(t, err, admission.ErrDuplicate)
	assert.Equal(t, 1, f.trie.puts, "a duplicate must not reach the trie")
}

func TestAdmitDeduplicatesByTripleNotByBytes(t *testing.T) {
	f := newFixture(t)

	first := validMessage()
	require.NoError(t, f.pipeline.Admit(f.signed(t, first), false, f.list, nil))

	// Different title and timestamp, same identity, link and action.
	second := validMessage()
	second.Title = "Same link, new title"
	second.Timestamp = first.Timestamp + 5
	err := f.pipeline.Admit(f.signed(t, second), false, f.list, nil)
	assert.ErrorIs(t, err, admission.ErrDuplicate)
}

func TestStorageFailureCompensatesDedupEntry(t *testing.T) {
	f := newFixture(t)
	f.trie.fail = errors.New("disk full")
	m := f.signed(t, validMessage())

	err := f.pipeline.Admit(m, false, f.list, nil)

	var werr *admission.StorageWriteError
	require.ErrorAs(t, err, &werr)
	assert.True(t, werr.Compensated)
	assert.Equal(t, 1, f.ledger.removed)

	// With the slot compensated and the trie healthy again, the same
	// message must be admittable.
	f.trie.fail = nil
	require.NoError(t, f.pipeline.Admit(m, false, f.list, nil))
}

func TestStorageFailureReportsFailedCompensation(t *testing.T) {
	f := newFixture(t)
	f.trie.fail = errors.New("disk full")
	f.ledger.failRemove = errors.New("ledger also down")
	m := f.signed(t, validMessage())

	err := f.pipeline.Admit(m, false, f.list, nil)

	var werr *admission.StorageWriteError
	require.ErrorAs(t, err, &werr)
	assert.False(t, werr.Compensated,
		"an uncompensated dedup entry must be visible to the caller")
}

func TestNilDistributorIsNotAnError(t *testing.T) {
	f := newFixture(t)
	pipeline := admission.NewPipeline(admission.Config{
		MinTimestamp:      1640995200,
		MaxTimestampDelta: 60,
	}, f.trie, f.ledger, nil)

	m := f.signed(t, validMessage())
	require.NoError(t, pipeline.Admit(m, false, f.list, nil))
}
