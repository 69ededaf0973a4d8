package message

import (
	"context"
	"fmt"
	"sync"
	"testing"

	chatmodel "studybuddy/module/chat/model"
	"studybuddy/tools/errs"
)

func TestAppendAssignsDenseSeqs(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice", "bob")

	for i := 1; i <= 5; i++ {
		m, err := s.Append(ctx, "c1", "alice", fmt.Sprintf("msg %d", i), nil, fmt.Sprintf("ref-%d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", m.Seq, i)
		}
	}
	max, err := s.MaxSeq(ctx, "c1")
	if err != nil || max != 5 {
		t.Fatalf("max seq = %d (%v), want 5", max, err)
	}
}

func TestAppendConcurrentNoDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice", "bob")

	const n = 100
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := s.Append(ctx, "c1", "alice", "hi", nil, fmt.Sprintf("r%d", i))
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			seqs <- m.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for q := range seqs {
		if seen[q] {
			t.Fatalf("duplicate seq %d", q)
		}
		seen[q] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("gap at seq %d", i)
		}
	}
}

func TestAppendRejections(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice")

	if _, err := s.Append(ctx, "nope", "alice", "hi", nil, "r1"); errs.Code(err) != errs.CodeChatNotFound {
		t.Fatalf("unknown chat: got %v", err)
	}
	if _, err := s.Append(ctx, "c1", "mallory", "hi", nil, "r2"); errs.Code(err) != errs.CodeSenderNotMember {
		t.Fatalf("non-member: got %v", err)
	}
	if _, err := s.Append(ctx, "c1", "alice", "", nil, "r3"); errs.Code(err) != errs.CodeValidation {
		t.Fatalf("empty body: got %v", err)
	}
	if max, _ := s.MaxSeq(ctx, "c1"); max != 0 {
		t.Fatalf("rejected appends must not burn committed seqs, max = %d", max)
	}
}

func TestFetchSinceOrderAndTombstones(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice", "bob")

	for i := 1; i <= 4; i++ {
		if _, err := s.Append(ctx, "c1", "alice", fmt.Sprintf("m%d", i), []string{"a.png"}, fmt.Sprintf("r%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.SoftDelete(ctx, "c1", 2, "alice", false); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := s.FetchSince(ctx, "c1", 1, 100)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3 (tombstone keeps its slot)", len(got))
	}
	if got[0].Seq != 2 || got[1].Seq != 3 || got[2].Seq != 4 {
		t.Fatalf("wrong order: %d %d %d", got[0].Seq, got[1].Seq, got[2].Seq)
	}
	if got[0].Status != chatmodel.MsgStatusDeleted || got[0].Body != "" || got[0].Attachments != nil {
		t.Fatalf("tombstone not redacted: %+v", got[0])
	}
}

func TestMarkReadMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice", "bob")

	if got, err := s.MarkRead(ctx, "c1", "bob", 7); err != nil || got != 7 {
		t.Fatalf("advance: got %d (%v)", got, err)
	}
	// Stale value from a lagging device: watermark must hold.
	if got, err := s.MarkRead(ctx, "c1", "bob", 3); err != nil || got != 7 {
		t.Fatalf("stale mark_read regressed watermark: got %d (%v)", got, err)
	}
	if got, _ := s.ReadSeq(ctx, "c1", "bob"); got != 7 {
		t.Fatalf("read seq = %d, want 7", got)
	}
}

func TestEditOnlyBySender(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice", "bob")
	m, err := s.Append(ctx, "c1", "alice", "original", nil, "r1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := s.EditMessage(ctx, "c1", m.Seq, "bob", "hijack"); errs.Code(err) != errs.CodeForbidden {
		t.Fatalf("non-sender edit: got %v", err)
	}
	got, err := s.EditMessage(ctx, "c1", m.Seq, "alice", "fixed")
	if err != nil {
		t.Fatalf("sender edit: %v", err)
	}
	if got.Body != "fixed" || got.Status != chatmodel.MsgStatusEdited || got.EditedAt == 0 {
		t.Fatalf("edit not applied: %+v", got)
	}
}

func TestSoftDeletePermissions(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice", "bob", "mod")
	m, _ := s.Append(ctx, "c1", "alice", "oops", nil, "r1")

	if err := s.SoftDelete(ctx, "c1", m.Seq, "bob", false); errs.Code(err) != errs.CodeForbidden {
		t.Fatalf("non-sender delete: got %v", err)
	}
	if err := s.SoftDelete(ctx, "c1", m.Seq, "mod", true); err != nil {
		t.Fatalf("moderator delete: %v", err)
	}
	if _, err := s.EditMessage(ctx, "c1", m.Seq, "alice", "resurrect"); errs.Code(err) != errs.CodeValidation {
		t.Fatalf("edit of tombstone: got %v", err)
	}
}

func TestAppendRetrySameClientRefReturnsStored(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice", "bob")

	first, err := s.Append(ctx, "c1", "alice", "hello", nil, "ref-retry")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	again, err := s.Append(ctx, "c1", "alice", "hello", nil, "ref-retry")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.Seq != first.Seq || again.ServerMsgID != first.ServerMsgID {
		t.Fatalf("retry minted a new message: first=%+v again=%+v", first, again)
	}

	max, _ := s.MaxSeq(ctx, "c1")
	if max != 1 {
		t.Fatalf("max seq = %d after retry, want 1", max)
	}
	msgs, _ := s.FetchSince(ctx, "c1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("%d stored messages after retry, want 1", len(msgs))
	}

	// Same ref from a different sender is a different message.
	other, err := s.Append(ctx, "c1", "bob", "hey", nil, "ref-retry")
	if err != nil {
		t.Fatalf("other sender: %v", err)
	}
	if other.Seq == first.Seq {
		t.Fatalf("dedupe crossed senders")
	}
}

func TestFailedAppendSealsBurnedSeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddChat("c1", "alice", "bob")

	if _, err := s.Append(ctx, "c1", "alice", "one", nil, "r1"); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.FailNextAppend = true
	_, err := s.Append(ctx, "c1", "alice", "lost", nil, "r2")
	if errs.Code(err) != errs.CodeStoreUnavailable {
		t.Fatalf("injected fault: got %v", err)
	}

	m, err := s.Append(ctx, "c1", "bob", "three", nil, "r3")
	if err != nil {
		t.Fatalf("append after fault: %v", err)
	}
	if m.Seq != 3 {
		t.Fatalf("seq = %d after burned slot, want 3", m.Seq)
	}

	// The burned slot reads back as a tombstone, so the numbering has no hole.
	msgs, _ := s.FetchSince(ctx, "c1", 0, 10)
	if len(msgs) != 3 {
		t.Fatalf("%d messages, want 3", len(msgs))
	}
	if msgs[1].Seq != 2 || msgs[1].Status != chatmodel.MsgStatusDeleted || msgs[1].Body != "" {
		t.Fatalf("slot 2 = %+v, want sealed tombstone", msgs[1])
	}
}
