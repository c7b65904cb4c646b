package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"skypost/internal/bsky"
	"skypost/internal/embed"
	"skypost/internal/ledger"
	"skypost/internal/sheet"
	logx "skypost/pkg/logx"
)

var cycleNow = time.Date(2024, 1, 1, 9, 5, 0, 0, time.UTC)

// memStore is an in-memory ledger.Store.
type memStore struct {
	keys       []string
	failAppend error
}

func (m *memStore) Load(ctx context.Context) ([]string, error) {
	return append([]string(nil), m.keys...), nil
}

func (m *memStore) Append(ctx context.Context, keys []string) error {
	if m.failAppend != nil {
		return m.failAppend
	}
	m.keys = append(m.keys, keys...)
	return nil
}

func (m *memStore) Close() error { return nil }

type postCall struct {
	text  string
	reply *bsky.ReplyRef
}

// fakePoster records calls and mints sequential post refs.
type fakePoster struct {
	calls  []postCall
	failOn map[string]bool // by post text
}

func (p *fakePoster) CreatePost(ctx context.Context, text string, embedPayload any, reply *bsky.ReplyRef) (bsky.PostRef, error) {
	p.calls = append(p.calls, postCall{text: text, reply: reply})
	if p.failOn[text] {
		return bsky.PostRef{}, errors.New("remote rejected post")
	}
	n := len(p.calls)
	return bsky.PostRef{URI: fmt.Sprintf("at://did:plc:test/post/%d", n), CID: fmt.Sprintf("cid%d", n)}, nil
}

type noEmbeds struct{}

func (noEmbeds) Resolve(ctx context.Context, it sheet.PostItem) embed.Embed {
	return embed.Embed{Kind: embed.KindNone}
}

func newTestDispatcher(poster Poster, store ledger.Store, cfg Config) (*Dispatcher, *[]time.Duration) {
	d := New(poster, noEmbeds{}, store, cfg, logx.Nop())
	d.now = func() time.Time { return cycleNow }
	sleeps := &[]time.Duration{}
	d.sleep = func(ctx context.Context, dur time.Duration) { *sleeps = append(*sleeps, dur) }
	return d, sleeps
}

func mkItem(thread string, seq int, text string, at time.Time) sheet.PostItem {
	it := sheet.PostItem{
		ThreadID:     thread,
		Sequence:     seq,
		Text:         text,
		Status:       sheet.StatusScheduled,
		DelaySeconds: sheet.DefaultDelaySeconds,
		Key:          fmt.Sprintf("%s|%d|%s|%s", thread, seq, at.Format("2006-01-02 15:04"), text),
	}
	it.ScheduledAt = &at
	return it
}

func TestThreadEndToEnd(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	items := []sheet.PostItem{
		mkItem("T", 1, "A", at),
		mkItem("T", 2, "B", at),
	}

	poster := &fakePoster{}
	store := &memStore{}
	d, _ := newTestDispatcher(poster, store, Config{})

	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(poster.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(poster.calls))
	}
	if poster.calls[0].text != "A" || poster.calls[0].reply != nil {
		t.Fatalf("first post wrong: %+v", poster.calls[0])
	}
	if poster.calls[1].text != "B" {
		t.Fatalf("second post wrong: %+v", poster.calls[1])
	}
	// Reply chains to the first post as both root and parent.
	rep := poster.calls[1].reply
	if rep == nil || rep.Root.URI != "at://did:plc:test/post/1" || rep.Parent.URI != rep.Root.URI {
		t.Fatalf("reply ref wrong: %+v", rep)
	}
	if len(store.keys) != 2 {
		t.Fatalf("ledger keys = %v", store.keys)
	}

	// Second cycle over identical input: zero additional posting calls.
	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if len(poster.calls) != 2 {
		t.Fatalf("idempotency violated: %d calls after second cycle", len(poster.calls))
	}
}

func TestDueBoundary(t *testing.T) {
	t.Parallel()
	items := []sheet.PostItem{
		mkItem("", 0, "exactly now", cycleNow),
		mkItem("", 0, "one second later", cycleNow.Add(time.Second)),
	}

	poster := &fakePoster{}
	d, _ := newTestDispatcher(poster, &memStore{}, Config{})
	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(poster.calls) != 1 || poster.calls[0].text != "exactly now" {
		t.Fatalf("calls = %+v", poster.calls)
	}
}

func TestNeverDueItemsSkipped(t *testing.T) {
	t.Parallel()
	noTime := sheet.PostItem{Text: "no time", Status: sheet.StatusScheduled, Key: "k1"}
	draft := mkItem("", 0, "draft", cycleNow)
	draft.Status = sheet.StatusDraft

	poster := &fakePoster{}
	d, _ := newTestDispatcher(poster, &memStore{}, Config{})
	if err := d.RunCycle(t.Context(), []sheet.PostItem{noTime, draft}); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(poster.calls) != 0 {
		t.Fatalf("expected no posts, got %+v", poster.calls)
	}
}

func TestSequenceOrderingWithUnorderedRows(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	// Rows arrive out of order; posting must follow ascending sequence.
	items := []sheet.PostItem{
		mkItem("T", 3, "third", at),
		mkItem("T", 1, "first", at),
		mkItem("T", 2, "second", at),
	}

	poster := &fakePoster{}
	d, _ := newTestDispatcher(poster, &memStore{}, Config{})
	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := []string{}
	for _, c := range poster.calls {
		got = append(got, c.text)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	// Replies 2 and 3 both reference post 1 as root.
	for _, c := range poster.calls[1:] {
		if c.reply == nil || c.reply.Root.URI != "at://did:plc:test/post/1" {
			t.Fatalf("bad reply ref: %+v", c.reply)
		}
	}
}

func TestWholeGroupPostsWhenOnlyHeadIsDue(t *testing.T) {
	t.Parallel()
	items := []sheet.PostItem{
		mkItem("T", 1, "head", cycleNow.Add(-time.Minute)),
		mkItem("T", 2, "tail", cycleNow.Add(time.Hour)), // not yet due
	}

	poster := &fakePoster{}
	store := &memStore{}
	d, _ := newTestDispatcher(poster, store, Config{})
	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// The orchestrator posts the full group, not just the due member,
	// and records every member key in the same unit.
	if len(poster.calls) != 2 {
		t.Fatalf("calls = %+v", poster.calls)
	}
	if len(store.keys) != 2 {
		t.Fatalf("keys = %v", store.keys)
	}
}

func TestHeadlessFallback(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	items := []sheet.PostItem{
		mkItem("A", 2, "two", at),
		mkItem("A", 3, "three", at),
	}

	t.Run("enabled promotes lowest sequence", func(t *testing.T) {
		t.Parallel()
		poster := &fakePoster{}
		d, _ := newTestDispatcher(poster, &memStore{}, Config{HeadlessFallback: true})
		if err := d.RunCycle(t.Context(), items); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if len(poster.calls) != 2 || poster.calls[0].text != "two" || poster.calls[1].text != "three" {
			t.Fatalf("calls = %+v", poster.calls)
		}
	})

	t.Run("disabled posts nothing", func(t *testing.T) {
		t.Parallel()
		poster := &fakePoster{}
		store := &memStore{}
		d, _ := newTestDispatcher(poster, store, Config{})
		if err := d.RunCycle(t.Context(), items); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if len(poster.calls) != 0 || len(store.keys) != 0 {
			t.Fatalf("calls = %+v keys = %v", poster.calls, store.keys)
		}
	})
}

func TestAppendedTailWaitsWhenPromotedHeadRecorded(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	two := mkItem("A", 2, "two", at)
	three := mkItem("A", 3, "three", at)
	four := mkItem("A", 4, "four", at) // appended after 2 and 3 posted

	poster := &fakePoster{}
	store := &memStore{keys: []string{two.Key, three.Key}}
	d, _ := newTestDispatcher(poster, store, Config{HeadlessFallback: true})
	if err := d.RunCycle(t.Context(), []sheet.PostItem{two, three, four}); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// The promotion candidate (seq 2) is already recorded, so the group
	// waits like any head-pending thread. Nothing may repost.
	if len(poster.calls) != 0 {
		t.Fatalf("re-dispatched recorded keys: %+v", poster.calls)
	}
	if len(store.keys) != 2 {
		t.Fatalf("keys = %v", store.keys)
	}
}

func TestRecordedMemberNeverReposted(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	items := []sheet.PostItem{
		mkItem("T", 1, "one", at),
		mkItem("T", 2, "two", at),
		mkItem("T", 3, "three", at),
	}

	poster := &fakePoster{}
	store := &memStore{keys: []string{items[1].Key}}
	d, _ := newTestDispatcher(poster, store, Config{})
	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(poster.calls) != 2 || poster.calls[0].text != "one" || poster.calls[1].text != "three" {
		t.Fatalf("calls = %+v", poster.calls)
	}
	if rep := poster.calls[1].reply; rep == nil || rep.Root.URI != "at://did:plc:test/post/1" {
		t.Fatalf("bad reply ref: %+v", poster.calls[1].reply)
	}
	if len(store.keys) != 3 {
		t.Fatalf("keys = %v", store.keys)
	}
}

func TestNonHeadDueWaitsForHead(t *testing.T) {
	t.Parallel()
	items := []sheet.PostItem{
		mkItem("T", 1, "head later", cycleNow.Add(time.Hour)), // head exists, not due
		mkItem("T", 2, "member now", cycleNow.Add(-time.Minute)),
	}

	poster := &fakePoster{}
	store := &memStore{}
	d, _ := newTestDispatcher(poster, store, Config{HeadlessFallback: true})
	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(poster.calls) != 0 || len(store.keys) != 0 {
		t.Fatalf("head-pending thread must not post: calls=%+v keys=%v", poster.calls, store.keys)
	}
}

func TestMidThreadFailureAbandonsCycle(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	items := []sheet.PostItem{
		mkItem("T", 1, "A", at),
		mkItem("T", 2, "B", at),
		mkItem("", 0, "later singleton", at),
	}

	poster := &fakePoster{failOn: map[string]bool{"B": true}}
	store := &memStore{}
	d, _ := newTestDispatcher(poster, store, Config{})

	err := d.RunCycle(t.Context(), items)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	// A was posted, B failed; nothing recorded, singleton never attempted.
	if len(poster.calls) != 2 {
		t.Fatalf("calls = %+v", poster.calls)
	}
	if len(store.keys) != 0 {
		t.Fatalf("ledger must stay untouched on abandonment: %v", store.keys)
	}

	// The next cycle re-detects the thread and reposts from the top,
	// duplicating A. That is the accepted gap, not an accident.
	poster.failOn = nil
	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if len(poster.calls) != 5 { // A,B (failed) + A,B,singleton
		t.Fatalf("calls after retry = %d, want 5", len(poster.calls))
	}
	if len(store.keys) != 3 {
		t.Fatalf("keys after retry = %v", store.keys)
	}
}

func TestSingletonPostsWithoutReply(t *testing.T) {
	t.Parallel()
	it := mkItem("", 7, "solo", cycleNow.Add(-time.Minute))

	poster := &fakePoster{}
	store := &memStore{}
	d, sleeps := newTestDispatcher(poster, store, Config{})
	if err := d.RunCycle(t.Context(), []sheet.PostItem{it}); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(poster.calls) != 1 || poster.calls[0].reply != nil {
		t.Fatalf("calls = %+v", poster.calls)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("singleton must not sleep: %v", *sleeps)
	}
	if len(store.keys) != 1 || store.keys[0] != it.Key {
		t.Fatalf("keys = %v", store.keys)
	}
}

func TestInterPostDelay(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	items := []sheet.PostItem{
		mkItem("T", 1, "a", at),
		mkItem("T", 2, "b", at),
		mkItem("T", 3, "c", at),
	}
	for i := range items {
		items[i].DelaySeconds = 2
	}

	poster := &fakePoster{}
	d, sleeps := newTestDispatcher(poster, &memStore{}, Config{})
	if err := d.RunCycle(t.Context(), items); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// Delay between consecutive posts, skipped after the last.
	if len(*sleeps) != 2 || (*sleeps)[0] != 2*time.Second || (*sleeps)[1] != 2*time.Second {
		t.Fatalf("sleeps = %v", *sleeps)
	}
}

func TestRecordFailureSurfaces(t *testing.T) {
	t.Parallel()
	it := mkItem("", 0, "solo", cycleNow.Add(-time.Minute))
	store := &memStore{failAppend: errors.New("disk full")}
	d, _ := newTestDispatcher(&fakePoster{}, store, Config{})
	if err := d.RunCycle(t.Context(), []sheet.PostItem{it}); err == nil {
		t.Fatal("expected error when the ledger append fails")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	head := mkItem("T", 1, "h", at)
	tail := mkItem("T", 2, "t", at)

	emptyLedger := func() *ledger.Ledger {
		led, err := ledger.Load(t.Context(), &memStore{})
		if err != nil {
			t.Fatalf("ledger.Load: %v", err)
		}
		return led
	}

	t.Run("head due", func(t *testing.T) {
		t.Parallel()
		due := map[string]struct{}{head.Key: {}}
		if s := Classify([]sheet.PostItem{head, tail}, due, emptyLedger()); s != StateHeadDue {
			t.Fatalf("state = %v", s)
		}
	})
	t.Run("head pending", func(t *testing.T) {
		t.Parallel()
		due := map[string]struct{}{tail.Key: {}}
		if s := Classify([]sheet.PostItem{head, tail}, due, emptyLedger()); s != StateHeadPending {
			t.Fatalf("state = %v", s)
		}
	})
	t.Run("no head", func(t *testing.T) {
		t.Parallel()
		due := map[string]struct{}{tail.Key: {}}
		if s := Classify([]sheet.PostItem{tail}, due, emptyLedger()); s != StateNoHead {
			t.Fatalf("state = %v", s)
		}
	})
	t.Run("promoted head recorded", func(t *testing.T) {
		t.Parallel()
		tail2 := mkItem("T", 3, "t2", at)
		led, err := ledger.Load(t.Context(), &memStore{keys: []string{tail.Key}})
		if err != nil {
			t.Fatalf("ledger.Load: %v", err)
		}
		due := map[string]struct{}{tail2.Key: {}}
		if s := Classify([]sheet.PostItem{tail, tail2}, due, led); s != StateHeadPending {
			t.Fatalf("state = %v", s)
		}
	})
	t.Run("complete", func(t *testing.T) {
		t.Parallel()
		led, err := ledger.Load(t.Context(), &memStore{keys: []string{head.Key, tail.Key}})
		if err != nil {
			t.Fatalf("ledger.Load: %v", err)
		}
		if s := Classify([]sheet.PostItem{head, tail}, nil, led); s != StateComplete {
			t.Fatalf("state = %v", s)
		}
	})
}

func TestBuildThreadsStableTies(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	a := mkItem("T", 2, "first of tie", at)
	b := mkItem("T", 2, "second of tie", at)
	g := BuildThreads([]sheet.PostItem{a, b}).Group("T")
	if g[0].Text != "first of tie" || g[1].Text != "second of tie" {
		t.Fatalf("tie order not stable: %+v", g)
	}
	// Empty thread ids are never grouped.
	if BuildThreads([]sheet.PostItem{mkItem("", 1, "x", at)}).Group("") != nil {
		t.Fatal("empty thread id must not form a group")
	}
}
