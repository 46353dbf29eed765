package storage

import (
	"testing"
	"time"
)

func TestDurableWriterBuffersOnPersistentFailure(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Close(); err != nil {
		t.Fatalf("unexpected error closing test repo: %v", err)
	}

	w := newDurableWriter(repo, 20*time.Millisecond, time.Millisecond, 2*time.Millisecond)
	opp := testOpportunity()

	if err := w.SaveOpportunity(opp); err == nil {
		t.Fatal("expected the write against a closed repository to fail")
	}
	if w.BufferedLen() != 1 {
		t.Fatalf("expected the failed write to be buffered, got %d buffered", w.BufferedLen())
	}
}

func TestDurableWriterFlushDrainsBufferOnceRepositoryRecovers(t *testing.T) {
	repo := newTestRepo(t)
	w := newDurableWriter(repo, 20*time.Millisecond, time.Millisecond, 2*time.Millisecond)

	// Manually park a write as if an earlier attempt had failed.
	opp := testOpportunity()
	w.pushBuffer(bufferedWrite{opportunity: opp})
	if w.BufferedLen() != 1 {
		t.Fatalf("expected 1 buffered write, got %d", w.BufferedLen())
	}

	flushed := w.Flush()
	if flushed != 1 {
		t.Fatalf("expected 1 write flushed, got %d", flushed)
	}
	if w.BufferedLen() != 0 {
		t.Fatalf("expected buffer empty after flush, got %d remaining", w.BufferedLen())
	}

	records, err := repo.GetOpportunities(TimeRange{}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the flushed write to have landed, got %d records", len(records))
	}
}

func TestDurableWriterDropsOldestBufferedWriteOnOverflow(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Close(); err != nil {
		t.Fatalf("unexpected error closing test repo: %v", err)
	}
	w := newDurableWriter(repo, time.Millisecond, time.Millisecond, time.Millisecond)

	oldest := testOpportunity()
	w.pushBuffer(bufferedWrite{opportunity: oldest})
	for i := 0; i < durableBufferCap; i++ {
		w.pushBuffer(bufferedWrite{opportunity: testOpportunity()})
	}

	if w.BufferedLen() != durableBufferCap {
		t.Fatalf("expected buffer capped at %d, got %d", durableBufferCap, w.BufferedLen())
	}
	if w.buffer[0].opportunity.ID == oldest.ID {
		t.Fatal("expected the oldest buffered write to have been dropped")
	}
}
