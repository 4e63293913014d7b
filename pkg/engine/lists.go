package engine

import (
	"errors"
	"time"

	"dnsgate/pkg/dnsmsg"
	"dnsgate/pkg/store"
)

// ErrEmptyDomain rejects list mutations whose domain normalizes to
// nothing.
var ErrEmptyDomain = errors.New("engine: empty domain")

// AddListEntry normalizes and upserts one domain. Re-adding refreshes
// AddedAt.
func AddListEntry(list store.DomainList, domain, source, reason, category string) (store.ListEntry, error) {
	normalized := dnsmsg.Normalize(domain)
	if normalized == "" {
		return store.ListEntry{}, ErrEmptyDomain
	}
	if source == "" {
		source = store.SourceManual
	}
	entry := store.ListEntry{
		Domain:   normalized,
		AddedAt:  time.Now(),
		Source:   source,
		Reason:   reason,
		Category: category,
	}
	if err := list.Add(entry); err != nil {
		return store.ListEntry{}, err
	}
	return entry, nil
}

// ImportDomains bulk-adds normalized domains, skipping empties, and
// returns how many were written.
func ImportDomains(list store.DomainList, domains []string, source string) (int, error) {
	if source == "" {
		source = store.SourceImport
	}
	now := time.Now()
	entries := make([]store.ListEntry, 0, len(domains))
	for _, d := range domains {
		normalized := dnsmsg.Normalize(d)
		if normalized == "" {
			continue
		}
		entries = append(entries, store.ListEntry{
			Domain:  normalized,
			AddedAt: now,
			Source:  source,
		})
	}
	return list.Import(entries)
}

// RemoveListEntry normalizes and removes one domain, reporting whether
// it was present.
func RemoveListEntry(list store.DomainList, domain string) bool {
	normalized := dnsmsg.Normalize(domain)
	if normalized == "" {
		return false
	}
	return list.Remove(normalized)
}
