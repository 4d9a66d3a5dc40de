package cachekey

import (
	"fmt"
	"strings"
)

const separator = "\t"

// ErrorMalformedKey is returned when a key (or its parts) cannot be used.
var ErrorMalformedKey = fmt.Errorf("Malformed key")

// Key identifies one cacheable artifact: a document at a specific revision.
// The revision is opaque to the cache, it is only compared for equality.
type Key struct {
	DocumentID string
	Revision   string
}

// New creates a key from the document id and revision found in a request path.
// It returns an error if either part is empty or could not round-trip through String.
func New(documentID, revision string) (Key, error) {
	k := Key{DocumentID: documentID, Revision: revision}
	if err := k.validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func (k Key) validate() error {
	if k.DocumentID == "" || k.Revision == "" {
		return fmt.Errorf("%w: document and revision are required", ErrorMalformedKey)
	}
	if strings.Contains(k.DocumentID, separator) {
		return fmt.Errorf("%w: document %q", ErrorMalformedKey, k.DocumentID)
	}
	if strings.ContainsAny(k.Revision, separator+"/") {
		return fmt.Errorf("%w: revision %q", ErrorMalformedKey, k.Revision)
	}
	return nil
}

// String returns the storage key, i.e. document and revision separated by a tab.
// Tabs cannot appear in URL path segments, so the key is unambiguous.
func (k Key) String() string {
	return k.DocumentID + separator + k.Revision
}

// Parse is the inverse of Key.String.
func Parse(s string) (Key, error) {
	doc, rev, found := strings.Cut(s, separator)
	if !found {
		return Key{}, fmt.Errorf("%w: %q", ErrorMalformedKey, s)
	}
	return New(doc, rev)
}
