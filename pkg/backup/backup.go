// Package backup exports the admitted log as an xz-compressed stream of
// canonical message encodings, one per line, and restores a replica by
// re-admitting them in synching mode. Because trie keys are content
// derived, restoring into a non-empty replica is idempotent.
package backup

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/uplog/uplog/pkg/admission"
	"github.com/uplog/uplog/pkg/message"
	"github.com/uplog/uplog/pkg/trie"
)

// Export writes every leaf's canonical bytes to w, xz-compressed,
// newline-delimited. Canonical JSON never contains raw newlines, so the
// framing is unambiguous.
func Export(w io.Writer, records []trie.Record) error {
	xzw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("error opening xz writer: %w", err)
	}

	for _, record := range records {
		if _, err := xzw.Write(record.Raw); err != nil {
			return fmt.Errorf("error writing record %x: %w", record.Key, err)
		}
		if _, err := xzw.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("error writing record %x: %w", record.Key, err)
		}
	}

	if err := xzw.Close(); err != nil {
		return fmt.Errorf("error closing xz writer: %w", err)
	}
	return nil
}

// Import reads an Export stream and hands each message to admit.
// Duplicates are expected when restoring over existing data and are
// not errors; every other admission failure aborts the restore.
// Returns the number of newly admitted messages.
func Import(r io.Reader, admit func(m message.Message) error) (int, error) {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("error opening xz reader: %w", err)
	}

	admitted := 0
	scanner := bufio.NewScanner(xzr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := message.FromCanonical(line)
		if err != nil {
			return admitted, fmt.Errorf("error parsing backup record: %w", err)
		}
		if err := admit(m); err != nil {
			if errors.Is(err, admission.ErrDuplicate) {
				continue
			}
			return admitted, fmt.Errorf("error re-admitting backup record: %w", err)
		}
		admitted++
	}
	if err := scanner.Err(); err != nil {
		return admitted, fmt.Errorf("error reading backup stream: %w", err)
	}
	return admitted, nil
}
