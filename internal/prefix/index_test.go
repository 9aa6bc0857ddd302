package prefix

import "testing"

func TestIndexScoresConsecutiveFromStart(t *testing.T) {
	ix, err := NewIndex(16, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hashes := ix.BlockHashes(seqTokens(64))
	if len(hashes) != 4 {
		t.Fatalf("expected 4 hashes, got %d", len(hashes))
	}
	// Worker 1 holds the first three blocks, worker 2 holds a gap.
	ix.Observe(1, hashes[:3])
	ix.Observe(2, []string{hashes[0], hashes[2]})

	scores := ix.Scores(hashes)
	if scores[1] != 3 {
		t.Fatalf("expected worker 1 score 3, got %d", scores[1])
	}
	if scores[2] != 1 {
		t.Fatalf("expected worker 2 score 1 (gap stops the run), got %d", scores[2])
	}
}

func TestIndexScoresOmitZeroMatches(t *testing.T) {
	ix, err := NewIndex(16, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hashes := ix.BlockHashes(seqTokens(16))
	ix.Observe(1, []string{"unrelated"})
	scores := ix.Scores(hashes)
	if _, ok := scores[1]; ok {
		t.Fatalf("expected worker 1 omitted, got %v", scores)
	}
}

func TestIndexLRUBoundsPerWorker(t *testing.T) {
	ix, err := NewIndex(16, 4)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hashes := ix.BlockHashes(seqTokens(6 * 16))
	ix.Observe(1, hashes)
	if got := ix.BlockCount(1); got != 4 {
		t.Fatalf("expected capacity bound of 4, got %d", got)
	}
	// The oldest blocks are gone, so the prefix run from the start is empty.
	if scores := ix.Scores(hashes); scores[1] != 0 {
		t.Fatalf("expected evicted head to break the run, got %d", scores[1])
	}
}

func TestIndexApplyStoredDerivesHashesFromTokens(t *testing.T) {
	ix, err := NewIndex(16, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	tokens := seqTokens(32)
	full := ix.BlockHashes(tokens)

	ix.ApplyStored(1, BlockStored{TokenIDs: tokens[:16]})
	parent := full[0]
	ix.ApplyStored(1, BlockStored{TokenIDs: tokens[16:], ParentBlockHash: &parent})

	if scores := ix.Scores(full); scores[1] != 2 {
		t.Fatalf("expected derived hashes to match the chain, got %d", scores[1])
	}
}

func TestIndexApplyRemovedAndClear(t *testing.T) {
	ix, err := NewIndex(16, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hashes := ix.BlockHashes(seqTokens(48))
	ix.Observe(1, hashes)

	ix.ApplyRemoved(1, BlockRemoved{BlockHashes: hashes[2:]})
	if scores := ix.Scores(hashes); scores[1] != 2 {
		t.Fatalf("expected run of 2 after removal, got %d", scores[1])
	}

	ix.Clear(1)
	if got := ix.BlockCount(1); got != 0 {
		t.Fatalf("expected empty cache after clear, got %d", got)
	}

	ix.Observe(1, hashes[:1])
	ix.DropWorker(1)
	if scores := ix.Scores(hashes); len(scores) != 0 {
		t.Fatalf("expected dropped worker to vanish, got %v", scores)
	}
}

func TestNewIndexValidation(t *testing.T) {
	if _, err := NewIndex(0, 10); err == nil {
		t.Fatalf("expected error for zero block size")
	}
	ix, err := NewIndex(16, 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hashes := ix.BlockHashes(seqTokens(16))
	ix.Observe(1, hashes)
	if got := ix.BlockCount(1); got != 1 {
		t.Fatalf("expected default capacity index to accept blocks, got %d", got)
	}
}
