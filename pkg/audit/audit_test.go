package audit

import (
	"regexp"
	"sync"
	"testing"
)

func record(doc, rev string, backend Backend) Record {
	return Record{DocumentID: doc, Revision: rev, Backend: backend, Status: StatusOK}
}

func TestWindowSeesOnlyItsRecords(t *testing.T) {
	l := New(Config{})
	l.Append(record("A", "1", BackendLocal))

	w := l.Slice()
	l.Append(record("A", "2", BackendLocal))
	l.Append(record("A", "2", BackendUpstream))
	records := w.Halt()
	l.Append(record("A", "3", BackendLocal))

	if len(records) != 2 {
		t.Fatalf("Window has %d records", len(records))
	}
	if records[0].Offset != 1 || records[1].Offset != 2 {
		t.Fatalf("Offsets are %d and %d", records[0].Offset, records[1].Offset)
	}
	if again := w.Halt(); len(again) != 2 {
		t.Fatalf("Second halt has %d records", len(again))
	}
	if l.End() != 4 {
		t.Fatalf("End is %d", l.End())
	}
}

func TestIndependentWindows(t *testing.T) {
	l := New(Config{})
	first := l.Slice()
	l.Append(record("A", "1", BackendLocal))
	second := l.Slice()
	l.Append(record("A", "2", BackendLocal))

	if n := len(second.Records()); n != 1 {
		t.Fatalf("Open second window has %d records", n)
	}
	if n := len(first.Halt()); n != 2 {
		t.Fatalf("First window has %d records", n)
	}
	l.Append(record("A", "3", BackendLocal))
	if n := len(second.Halt()); n != 2 {
		t.Fatalf("Second window has %d records", n)
	}
}

func TestRecordsAreNotShared(t *testing.T) {
	l := New(Config{})
	w := l.Slice()
	l.Append(record("A", "1", BackendLocal))
	records := w.Halt()
	records[0].DocumentID = "mutated"
	if got := l.Since(0)[0].DocumentID; got != "A" {
		t.Fatalf("Stored record was mutated to %s", got)
	}
}

func TestRetention(t *testing.T) {
	l := New(Config{MaxRecords: 2})
	w := l.Slice()
	for i := 0; i < 5; i++ {
		l.Append(record("A", "1", BackendLocal))
	}
	records := l.Since(0)
	if len(records) != 2 || records[0].Offset != 3 || records[1].Offset != 4 {
		t.Fatalf("Retained records are %+v", records)
	}
	if n := len(w.Halt()); n != 2 {
		t.Fatalf("Window has %d records", n)
	}
	if n := len(l.Since(10)); n != 0 {
		t.Fatalf("Since past end returned %d records", n)
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := New(Config{})
	w := l.Slice()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(record("A", "1", BackendLocal))
		}()
	}
	wg.Wait()
	records := w.Halt()
	if len(records) != 50 {
		t.Fatalf("Window has %d records", len(records))
	}
	seen := make(map[uint64]bool)
	for _, r := range records {
		if seen[r.Offset] {
			t.Fatalf("Offset %d used twice", r.Offset)
		}
		seen[r.Offset] = true
		if r.Time.IsZero() {
			t.Fatal("Record time not set")
		}
	}
}

func TestObserverHelpers(t *testing.T) {
	parsoid := regexp.MustCompile(`^https?://[^/]+/.*/v3/`)
	local := record("A", "1", BackendLocal)
	local.URI = "memory:///A/1"
	upstream := record("A", "1", BackendUpstream)
	upstream.URI = "http://parsoid:8000/en.wikipedia.org/v3/page/html/A/1"
	shared := upstream
	shared.Shared = true
	other := record("B", "1", BackendLocal)

	if !LocalOnly([]Record{local}) || LocalOnly([]Record{local, upstream}) || LocalOnly(nil) {
		t.Fatal("LocalOnly is wrong")
	}
	if !WentUpstream([]Record{local, upstream}, parsoid) || WentUpstream([]Record{local}, parsoid) {
		t.Fatal("WentUpstream is wrong")
	}
	if n := UpstreamCalls([]Record{upstream, shared, shared, local}); n != 1 {
		t.Fatalf("UpstreamCalls is %d", n)
	}
	if n := len(For([]Record{local, other, upstream}, "A", "1")); n != 2 {
		t.Fatalf("For returned %d records", n)
	}
}
