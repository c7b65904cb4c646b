package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skypost/internal/bsky"
	"skypost/internal/embed"
	"skypost/internal/ledger"
	"skypost/internal/sheet"
	logx "skypost/pkg/logx"
)

// Poster is the slice of the posting platform the orchestrator drives.
type Poster interface {
	CreatePost(ctx context.Context, text string, embedPayload any, reply *bsky.ReplyRef) (bsky.PostRef, error)
}

// EmbedResolver resolves the rich-media attachment for one item.
type EmbedResolver interface {
	Resolve(ctx context.Context, it sheet.PostItem) embed.Embed
}

type Config struct {
	// HeadlessFallback promotes the lowest-sequence member to thread head
	// when no Sequence-1 member exists. Off by default: a headless thread
	// then never posts (logged every cycle it stays due).
	HeadlessFallback bool
}

// Dispatcher runs one poll cycle: select due items, classify their threads,
// post each due unit in order, and commit ledger keys per unit.
type Dispatcher struct {
	poster Poster
	embeds EmbedResolver
	store  ledger.Store
	log    logx.Logger

	cfgMu sync.Mutex
	cfg   Config

	// injection points for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(poster Poster, embeds EmbedResolver, store ledger.Store, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		poster: poster,
		embeds: embeds,
		store:  store,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// SetConfig swaps policy knobs between cycles (config hot reload).
func (d *Dispatcher) SetConfig(cfg Config) {
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.cfg
}

// RunCycle processes one poll cycle over the given normalized items.
//
// The unit of idempotency is a whole group (thread or singleton): only after
// every member posted are the member keys recorded, synchronously, before
// the next unit starts. A submit failure mid-unit returns the error and
// abandons the rest of the cycle with nothing recorded for that unit — the
// next cycle will re-detect it and repost the whole unit from the top. For
// threads that means a duplicate first post after a mid-thread failure;
// that gap is accepted rather than hidden.
func (d *Dispatcher) RunCycle(ctx context.Context, items []sheet.PostItem) error {
	led, err := ledger.Load(ctx, d.store)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	due := DueItems(items, d.now(), led)
	if len(due) == 0 {
		d.log.Debug("nothing due", logx.Int("items", len(items)))
		return nil
	}
	d.log.Info("due items selected", logx.Int("due", len(due)), logx.Int("items", len(items)))

	dueKeys := make(map[string]struct{}, len(due))
	for _, it := range due {
		dueKeys[it.Key] = struct{}{}
	}

	threads := BuildThreads(items)
	handled := map[string]bool{}
	cfg := d.config()

	for _, it := range due {
		if it.ThreadID == "" {
			// Singletons are their own unit, never batched.
			if err := d.postGroup(ctx, []sheet.PostItem{it}, led); err != nil {
				return err
			}
			continue
		}
		if handled[it.ThreadID] {
			continue
		}
		handled[it.ThreadID] = true

		group := threads.Group(it.ThreadID)
		switch state := Classify(group, dueKeys, led); state {
		case StateHeadDue:
			d.log.Info("posting thread",
				logx.String("thread", it.ThreadID), logx.Int("posts", len(group)))
			if err := d.postGroup(ctx, group, led); err != nil {
				return err
			}
		case StateNoHead:
			if !cfg.HeadlessFallback {
				d.log.Info("thread has no sequence-1 head and fallback is disabled, skipping",
					logx.String("thread", it.ThreadID))
				continue
			}
			// Promotion reorders intended authorial structure, so say so.
			d.log.Warn("no sequence-1 head, promoting lowest sequence to head",
				logx.String("thread", it.ThreadID),
				logx.Int("promoted_sequence", group[0].Sequence))
			if err := d.postGroup(ctx, group, led); err != nil {
				return err
			}
		case StateHeadPending:
			d.log.Debug("thread head not yet due, waiting",
				logx.String("thread", it.ThreadID), logx.String("key", it.Key))
		case StateComplete:
			// Already recorded in full; nothing to do.
		}
	}
	return nil
}

// postGroup posts every not-yet-recorded member in order. Members whose
// key is already in the ledger are never re-posted. The first posted member
// is the root; each later member replies with both parent and root set to
// its reference. Between consecutive posts it blocks for the member's delay
// (skipped after the last). On full success it records the posted keys as
// one ledger unit.
func (d *Dispatcher) postGroup(ctx context.Context, group []sheet.PostItem, led *ledger.Ledger) error {
	pending := make([]sheet.PostItem, 0, len(group))
	for _, it := range group {
		if led.Contains(it.Key) {
			d.log.Debug("already recorded, not reposting", logx.String("key", it.Key))
			continue
		}
		pending = append(pending, it)
	}
	if len(pending) == 0 {
		return nil
	}

	var root bsky.PostRef
	for i, it := range pending {
		em := d.embeds.Resolve(ctx, it)

		var reply *bsky.ReplyRef
		if i > 0 {
			reply = &bsky.ReplyRef{Root: root, Parent: root}
		}
		ref, err := d.poster.CreatePost(ctx, it.Text, em.Payload(), reply)
		if err != nil {
			return fmt.Errorf("post %q: %w", it.Key, err)
		}
		if i == 0 {
			root = ref
		}
		d.log.Info("posted",
			logx.String("key", it.Key),
			logx.String("uri", ref.URI),
			logx.String("embed", em.Kind.String()))

		if i < len(pending)-1 && it.DelaySeconds > 0 {
			d.sleep(ctx, time.Duration(it.DelaySeconds)*time.Second)
		}
	}

	keys := make([]string, 0, len(pending))
	for _, it := range pending {
		keys = append(keys, it.Key)
	}
	if err := led.Record(ctx, keys...); err != nil {
		// The posts are out but unrecorded; next cycle would repost.
		// Surface loudly instead of letting that happen silently.
		return fmt.Errorf("record %d posted keys: %w", len(keys), err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
