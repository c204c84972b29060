package bridge

import (
	"sync"
	"testing"
)

type fakeDocument struct {
	mu       sync.Mutex
	text     string
	readOnly bool
	writes   int
}

func (d *fakeDocument) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

func (d *fakeDocument) ReadOnly() bool { return d.readOnly }

func (d *fakeDocument) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
	d.writes++
}

func hostOf(doc Document) Host {
	return HostFunc(func() Document { return doc })
}

func TestDrainAppliesNewestText(t *testing.T) {
	b := New(4)
	doc := &fakeDocument{}
	b.Deliver(Delivery{Revision: 1, Text: "a"})
	b.Deliver(Delivery{Revision: 2, Text: "ab"})

	if !b.Drain(hostOf(doc)) {
		t.Fatal("expected drain to update the document")
	}
	if doc.Text() != "ab" || doc.writes != 1 {
		t.Fatalf("expected one write of %q, got %q after %d writes", "ab", doc.Text(), doc.writes)
	}
	if b.Pending() != 0 {
		t.Fatalf("expected empty queue, %d pending", b.Pending())
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	doc := &fakeDocument{text: "keep"}
	if New(1).Drain(hostOf(doc)) {
		t.Fatal("expected no update from an empty queue")
	}
	if doc.Text() != "keep" {
		t.Fatalf("document changed: %q", doc.Text())
	}
}

func TestDrainDropsForReadOnlyOrMissingDocument(t *testing.T) {
	b := New(2)
	readOnly := &fakeDocument{text: "locked", readOnly: true}
	b.Deliver(Delivery{Revision: 1, Text: "new"})
	if b.Drain(hostOf(readOnly)) {
		t.Fatal("expected read-only document to be skipped")
	}
	if readOnly.Text() != "locked" {
		t.Fatalf("read-only document changed: %q", readOnly.Text())
	}

	b.Deliver(Delivery{Revision: 2, Text: "newer"})
	if b.Drain(HostFunc(func() Document { return nil })) {
		t.Fatal("expected missing document to be skipped")
	}
	if b.Pending() != 0 {
		t.Fatal("expected dropped delivery to leave the queue")
	}
}

func TestDeliverNeverBlocksWhenFull(t *testing.T) {
	b := New(2)
	for i := 1; i <= 10; i++ {
		b.Deliver(Delivery{Revision: uint64(i)})
	}
	if b.Pending() != 2 {
		t.Fatalf("expected queue capped at 2, got %d", b.Pending())
	}
	first := <-b.C()
	second := <-b.C()
	if first.Revision != 9 || second.Revision != 10 {
		t.Fatalf("expected newest deliveries to survive, got %d and %d", first.Revision, second.Revision)
	}
}

func TestDeliverFromManyGoroutines(t *testing.T) {
	b := New(8)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(rev uint64) {
			defer wg.Done()
			b.Deliver(Delivery{Revision: rev})
		}(uint64(i))
	}
	wg.Wait()
	if b.Pending() > 8 {
		t.Fatalf("queue overflowed: %d", b.Pending())
	}
}

func TestDrainSkipsStaleRevision(t *testing.T) {
	b := New(4)
	doc := &fakeDocument{}
	b.Deliver(Delivery{Revision: 3, Text: "rev3"})
	if !b.Drain(hostOf(doc)) {
		t.Fatal("expected first drain to apply")
	}

	b.Deliver(Delivery{Revision: 2, Text: "rev2"})
	if b.Drain(hostOf(doc)) {
		t.Fatal("expected an older revision to be skipped")
	}
	b.Deliver(Delivery{Revision: 3, Text: "again"})
	if b.Drain(hostOf(doc)) {
		t.Fatal("expected a repeated revision to be skipped")
	}
	if doc.Text() != "rev3" || doc.writes != 1 {
		t.Fatalf("expected %q after one write, got %q after %d", "rev3", doc.Text(), doc.writes)
	}

	b.Deliver(Delivery{Revision: 4, Text: "rev4"})
	if !b.Drain(hostOf(doc)) || doc.Text() != "rev4" {
		t.Fatalf("expected newer revision to apply, got %q", doc.Text())
	}
}

func TestResetClearsQueueAndRevisionMark(t *testing.T) {
	b := New(4)
	doc := &fakeDocument{}
	b.Deliver(Delivery{Revision: 5, Text: "old session"})
	b.Drain(hostOf(doc))
	b.Deliver(Delivery{Revision: 6, Text: "leftover"})

	b.Reset()
	if b.Pending() != 0 {
		t.Fatalf("expected empty queue after reset, %d pending", b.Pending())
	}

	b.Deliver(Delivery{Revision: 1, Text: "new session"})
	if !b.Drain(hostOf(doc)) {
		t.Fatal("expected revision 1 to apply after reset")
	}
	if doc.Text() != "new session" {
		t.Fatalf("unexpected text %q", doc.Text())
	}
}
