// Package story derives the aggregated view of the log: all messages
// sharing a normalized href fold into one story. Stories are never
// persisted; collaborators recompute them from leaves on demand.
package story

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uplog/uplog/pkg/message"
	"github.com/uplog/uplog/pkg/trie"
)

// Story aggregates every message for one link: the submitted title, the
// earliest record's timestamp, one upvote per contributing identity.
type Story struct {
	Href       string
	Title      string
	Timestamp  int64
	Upvotes    int
	Identities []common.Address
}

// Fold aggregates parsed leaf records by normalized href. Each record
// counts as one upvote; the title comes from the submit record when one
// exists. Output is ordered by upvotes, then recency.
func Fold(records []trie.ParsedRecord) ([]Story, error) {
	byHref := make(map[string]*Story)
	seen := make(map[string]map[common.Address]struct{})
	var order []string

	for _, record := range records {
		href, err := message.NormalizeHref(record.Message.Href)
		if err != nil {
			return nil, fmt.Errorf("error normalizing href %q: %w", record.Message.Href, err)
		}

		s, ok := byHref[href]
		if !ok {
			s = &Story{Href: href, Timestamp: record.Message.Timestamp}
			byHref[href] = s
			seen[href] = make(map[common.Address]struct{})
			order = append(order, href)
		}

		if record.Message.Timestamp < s.Timestamp {
			s.Timestamp = record.Message.Timestamp
		}
		if record.Message.Type == message.TypeSubmit || s.Title == "" {
			s.Title = record.Message.Title
		}

		s.Upvotes++
		if _, dup := seen[href][record.Signer]; !dup {
			seen[href][record.Signer] = struct{}{}
			s.Identities = append(s.Identities, record.Signer)
		}
	}

	stories := make([]Story, 0, len(byHref))
	for _, href := range order {
		stories = append(stories, *byHref[href])
	}
	sort.SliceStable(stories, func(i, j int) bool {
		if stories[i].Upvotes != stories[j].Upvotes {
			return stories[i].Upvotes > stories[j].Upvotes
		}
		return stories[i].Timestamp > stories[j].Timestamp
	})
	return stories, nil
}
