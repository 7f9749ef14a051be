// Package uplog assembles one replica of the decentralized content log:
// two independent BadgerDB stores (trie nodes, dedup markers), the
// authenticated trie over the first, the admission pipeline coordinating
// both, and the reconciler peers diff against.
package uplog

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/uplog/uplog/pkg/admission"
	"github.com/uplog/uplog/pkg/backup"
	"github.com/uplog/uplog/pkg/dedup"
	"github.com/uplog/uplog/pkg/keyValStore"
	"github.com/uplog/uplog/pkg/message"
	"github.com/uplog/uplog/pkg/reconcile"
	"github.com/uplog/uplog/pkg/roster"
	"github.com/uplog/uplog/pkg/story"
	"github.com/uplog/uplog/pkg/trie"
)

type Uplog struct {
	config     Config
	nodes      *keyValStore.KeyValStore
	markers    *keyValStore.KeyValStore
	trie       *trie.Trie
	ledger     *dedup.Ledger
	pipeline   *admission.Pipeline
	reconciler *reconcile.Reconciler
	stop       chan struct{}
}

// New opens (or creates) a replica under conf.DataDir. distributor may
// be nil; admitted payloads are then simply not propagated.
func New(conf Config, distributor admission.Distributor) (*Uplog, error) {
	conf.applyDefaults()

	nodes, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:             filepath.Join(conf.DataDir, "trie"),
		MinimumFreeSpace: conf.MinimumFreeGB,
		MaxReaders:       conf.MaxReaders,
		Logger:           conf.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating trie store: %w", err)
	}

	markers, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:             filepath.Join(conf.DataDir, "dedup"),
		MinimumFreeSpace: conf.MinimumFreeGB,
		MaxReaders:       conf.MaxReaders,
		Logger:           conf.Logger,
	})
	if err != nil {
		nodes.Close()
		return nil, fmt.Errorf("error creating dedup store: %w", err)
	}

	tr, err := trie.NewTrie(nodes, conf.Logger)
	if err != nil {
		nodes.Close()
		markers.Close()
		return nil, fmt.Errorf("error opening trie: %w", err)
	}

	ledger := dedup.NewLedger(markers)
	pipeline := admission.NewPipeline(admission.Config{
		MinTimestamp:      conf.MinTimestamp,
		MaxTimestampDelta: conf.MaxTimestampDelta,
		Topic:             conf.Topic,
		Logger:            conf.Logger,
	}, tr, ledger, distributor)

	u := &Uplog{
		config:     conf,
		nodes:      nodes,
		markers:    markers,
		trie:       tr,
		ledger:     ledger,
		pipeline:   pipeline,
		reconciler: reconcile.NewReconciler(tr, conf.Logger),
		stop:       make(chan struct{}),
	}

	if conf.CompactionInterval > 0 {
		go u.compactionLoop()
	}

	return u, nil
}

// Admit validates and commits one signed message against the given
// allow-list and delegation snapshot.
func (u *Uplog) Admit(m message.Message, synching bool, list roster.Allowlist, delegations roster.Delegations) error {
	return u.pipeline.Admit(m, synching, list, delegations)
}

// Root returns the current trie root hash. Snapshot it before walking.
func (u *Uplog) Root() []byte {
	return u.trie.Root()
}

// Trie exposes the authenticated trie for read-path collaborators.
func (u *Uplog) Trie() *trie.Trie {
	return u.trie
}

// Reconciler exposes the sync reconciler for the peer orchestrator.
func (u *Uplog) Reconciler() *reconcile.Reconciler {
	return u.reconciler
}

// Leaves walks a snapshot of the trie and returns parsed records.
func (u *Uplog) Leaves(opts trie.LeafOptions) ([]trie.ParsedRecord, error) {
	return u.trie.Leaves(u.trie.Root(), opts)
}

// Stories folds the whole log into its aggregated per-link view.
func (u *Uplog) Stories(opts trie.LeafOptions) ([]story.Story, error) {
	records, err := u.Leaves(opts)
	if err != nil {
		return nil, err
	}
	return story.Fold(records)
}

// Backup streams the whole log to w as compressed canonical encodings.
func (u *Uplog) Backup(w io.Writer) error {
	records, err := u.trie.RawLeaves(u.trie.Root())
	if err != nil {
		return err
	}
	return backup.Export(w, records)
}

// Restore re-admits a Backup stream in synching mode. Already-present
// messages are skipped.
func (u *Uplog) Restore(r io.Reader, list roster.Allowlist, delegations roster.Delegations) (int, error) {
	return backup.Import(r, func(m message.Message) error {
		return u.pipeline.Admit(m, true, list, delegations)
	})
}

// Compact runs one out-of-band compaction pass over both stores,
// reclaiming superseded trie node versions. Never runs inline with a
// write path.
func (u *Uplog) Compact() error {
	if err := u.nodes.Clean(); err != nil {
		return fmt.Errorf("error compacting trie store: %w", err)
	}
	if err := u.markers.Clean(); err != nil {
		return fmt.Errorf("error compacting dedup store: %w", err)
	}
	return nil
}

func (u *Uplog) compactionLoop() {
	ticker := time.NewTicker(u.config.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := u.Compact(); err != nil {
				u.config.Logger.Errorf("Error during compaction: %v", err)
			}
		case <-u.stop:
			return
		}
	}
}

func (u *Uplog) Close() {
	close(u.stop)
	u.nodes.Close()
	u.markers.Close()
}
