// Package harvester turns a scrape plan into bounded listing pulls over a
// leased client, with URI dedupe, date filtering and resumable per-job
// progress.
package harvester

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
	"github.com/scrapeworks/reddit-harvester/internal/scrape"
)

// acquireTimeout bounds how long a run waits on the shared bucket before
// skipping comment expansion for the current post.
const acquireTimeout = 30 * time.Second

// Harvester executes scrape plans. One instance is shared by every worker;
// per-run state lives in the run struct.
type Harvester struct {
	limiter     domain.RateLimiter
	checkpoints domain.JobCheckpointRepository
	opts        scrape.Options
	bucket      string
}

// New builds a harvester with the given tuning. bucket names the shared
// token bucket that gates comment-tree expansion.
func New(limiter domain.RateLimiter, checkpoints domain.JobCheckpointRepository, opts scrape.Options, bucket string) *Harvester {
	return &Harvester{limiter: limiter, checkpoints: checkpoints, opts: opts, bucket: bucket}
}

// RunOptions is the tuning applied to catalog jobs: full comment trees,
// one stub-resolution round per post, dedupe on canonical URL, pagination
// bounded by the entity limit.
func RunOptions(entityLimit int) scrape.Options {
	opts := scrape.DefaultOptions()
	opts.IncludeComments = true
	opts.HarvestMode = scrape.HarvestAllComments
	opts.ExpandCommentDepthLimit = 10
	opts.DedupeOnURI = true
	if entityLimit > 0 {
		opts.PaginationTarget = entityLimit
	}
	return opts
}

// progress is the per-job resume cursor. Collected carries the count from
// completed targets so the entity limit holds across restarts.
type progress struct {
	NextTarget int  `json:"next_target"`
	Collected  int  `json:"collected"`
	Done       bool `json:"done,omitempty"`
}

// Harvest walks the plan for window, resuming from the job's saved cursor
// when one exists. Completed targets are checkpointed by index; a target
// that fails mid-walk restarts whole on the next attempt.
func (h *Harvester) Harvest(ctx domain.Context, lease *domain.Lease, window domain.ScrapeWindow) ([]domain.Item, error) {
	if lease == nil || lease.Client == nil {
		return nil, fmt.Errorf("op=harvester.harvest: %w: lease carries no client", domain.ErrInvalidArgument)
	}
	plan, err := scrape.BuildPlan(subredditFromLabel(window.Label), h.opts)
	if err != nil {
		return nil, fmt.Errorf("op=harvester.harvest: %w", err)
	}

	prog := h.loadProgress(ctx, window.JobID)
	if prog.NextTarget >= len(plan.Targets) {
		prog = progress{}
	}

	r := &run{
		h:         h,
		client:    lease.Client,
		window:    window,
		opts:      plan.Options,
		label:     metricLabel(plan.Subreddit),
		seen:      map[string]bool{},
		collected: prog.Collected,
	}

	for i := prog.NextTarget; i < len(plan.Targets); i++ {
		if r.full() {
			break
		}
		if err := ctx.Err(); err != nil {
			h.saveProgress(ctx, window.JobID, progress{NextTarget: i, Collected: prog.Collected})
			return nil, fmt.Errorf("op=harvester.harvest: %w", err)
		}
		if err := r.runTarget(ctx, plan.Targets[i]); err != nil {
			h.saveProgress(ctx, window.JobID, progress{NextTarget: i, Collected: prog.Collected})
			return nil, fmt.Errorf("op=harvester.harvest: %w", err)
		}
		prog.Collected = r.collected
		h.saveProgress(ctx, window.JobID, progress{NextTarget: i + 1, Collected: prog.Collected})
	}

	h.saveProgress(ctx, window.JobID, progress{Done: true})
	return r.items, nil
}

func (h *Harvester) loadProgress(ctx domain.Context, jobID string) progress {
	if jobID == "" || h.checkpoints == nil {
		return progress{}
	}
	raw, err := h.checkpoints.LoadProgress(ctx, jobID)
	if err != nil {
		slog.Warn("job progress unreadable, starting fresh",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		return progress{}
	}
	if raw == nil {
		return progress{}
	}
	var p progress
	if err := json.Unmarshal(raw, &p); err != nil || p.Done {
		return progress{}
	}
	return p
}

func (h *Harvester) saveProgress(ctx domain.Context, jobID string, p progress) {
	if jobID == "" || h.checkpoints == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := h.checkpoints.SaveProgress(ctx, jobID, raw); err != nil {
		slog.Warn("job progress save failed",
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
}

// run is the working state of one Harvest call.
type run struct {
	h      *Harvester
	client domain.RedditClient
	window domain.ScrapeWindow
	opts   scrape.Options
	label  string

	seen      map[string]bool
	collected int
	items     []domain.Item

	newPosts    int
	newComments int
}

func (r *run) full() bool {
	return r.window.EntityLimit > 0 && r.collected >= r.window.EntityLimit
}

// add appends item unless the dedupe set already holds its URI. Items
// without a canonical URI are never deduped.
func (r *run) add(item domain.Item) {
	if r.opts.DedupeOnURI && item.URI != "" {
		if r.seen[item.URI] {
			return
		}
		r.seen[item.URI] = true
	}
	r.items = append(r.items, item)
	r.collected++
	if item.Kind == domain.ItemKindComment {
		r.newComments++
	} else {
		r.newPosts++
	}
}

func (r *run) flushMetrics() {
	if r.newPosts > 0 {
		observability.RecordItems(domain.ItemKindPost, r.label, r.newPosts)
	}
	if r.newComments > 0 {
		observability.RecordItems(domain.ItemKindComment, r.label, r.newComments)
	}
	r.newPosts, r.newComments = 0, 0
}

func (r *run) runTarget(ctx domain.Context, target scrape.Target) error {
	defer r.flushMetrics()
	switch t := target.(type) {
	case scrape.SubmissionsTarget:
		return r.walkListing(ctx, domain.ListingQuery{
			Subreddit:  t.Subreddit,
			Listing:    string(t.Listing),
			TimeFilter: string(t.TimeFilter),
			Limit:      t.Limit,
		}, true)
	case scrape.SearchTarget:
		return r.walkListing(ctx, domain.ListingQuery{
			Subreddit:  t.Subreddit,
			Listing:    string(scrape.ListingSearch),
			TimeFilter: string(t.TimeFilter),
			Query:      t.Query,
			Sort:       string(t.Sort),
			Limit:      t.Limit,
		}, true)
	case scrape.UserTimelineTarget:
		return r.walkListing(ctx, domain.ListingQuery{
			Username: t.Username,
			Surface:  t.Surface,
			Sort:     string(t.Sort),
			Limit:    t.Limit,
		}, false)
	default:
		return fmt.Errorf("unknown target %T", target)
	}
}

// walkListing pages through one listing until the cursor runs dry, the
// pagination target is walked, or the run fills. Posts passing the window
// filter are emitted and, when expand is set, have their comment trees
// pulled. Timeline pulls emit whatever surface the query selected.
func (r *run) walkListing(ctx domain.Context, q domain.ListingQuery, expand bool) error {
	expand = expand && r.opts.IncludeComments && r.opts.HarvestMode != scrape.HarvestPostOnly
	walked := 0
	after := ""
	for !r.full() {
		q.After = after
		items, next, err := r.client.Fetch(ctx, q)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			walked++
			if r.full() {
				return nil
			}
			switch item.Kind {
			case domain.ItemKindPost:
				if !r.inWindow(item.CreatedAt) {
					continue
				}
				if r.opts.IncludeSubmissions {
					r.add(item)
				}
				if expand {
					if err := r.expandComments(ctx, item); err != nil {
						return err
					}
				}
			case domain.ItemKindComment:
				if r.opts.IncludeComments {
					r.add(item)
				}
			}
		}
		if next == "" || next == after {
			return nil
		}
		if r.opts.PaginationTarget > 0 && walked >= r.opts.PaginationTarget {
			return nil
		}
		after = next
	}
	return nil
}

func (r *run) inWindow(createdAt time.Time) bool {
	if !r.window.Start.IsZero() && createdAt.Before(r.window.Start) {
		return false
	}
	if !r.window.End.IsZero() && createdAt.After(r.window.End) {
		return false
	}
	return true
}

// expandComments pulls post's comment tree: the first page always, plus
// one rate-gated morechildren round in all_comments mode while stubs
// remain. A denied bucket skips the round rather than failing the run.
func (r *run) expandComments(ctx domain.Context, post domain.Item) error {
	postID := strings.TrimPrefix(post.ID, "t3_")
	if postID == "" {
		return nil
	}
	comments, cursor, err := r.client.Fetch(ctx, domain.ListingQuery{PostID: postID, Limit: r.opts.PerListingLimit})
	if err != nil {
		return err
	}
	r.addComments(comments)

	limit := r.opts.ExpandCommentDepthLimit
	if r.opts.HarvestMode != scrape.HarvestAllComments || cursor == "" || limit <= 0 || r.full() {
		return nil
	}
	ids := strings.Split(cursor, ",")
	if len(ids) > limit {
		ids = ids[:limit]
	}
	granted, err := r.h.limiter.Acquire(ctx, r.h.bucket, 1, acquireTimeout)
	if err != nil {
		return err
	}
	if !granted {
		slog.Debug("comment expansion skipped, bucket exhausted",
			slog.String("post_id", postID),
			slog.String("bucket", r.h.bucket))
		return nil
	}
	stop := observability.StartReplaceMore()
	more, _, err := r.client.Fetch(ctx, domain.ListingQuery{PostID: postID, After: strings.Join(ids, ",")})
	stop()
	if err != nil {
		return err
	}
	r.addComments(more)
	return nil
}

func (r *run) addComments(comments []domain.Item) {
	for _, c := range comments {
		if r.full() {
			return
		}
		if c.Kind != domain.ItemKindComment {
			continue
		}
		if r.opts.HarvestMode == scrape.HarvestTopLevelOnly && !isTopLevel(c) {
			continue
		}
		r.add(c)
	}
}

// isTopLevel reports whether the comment replies directly to its post.
func isTopLevel(c domain.Item) bool {
	var d struct {
		ParentID string `json:"parent_id"`
	}
	if err := json.Unmarshal(c.Payload, &d); err != nil {
		return false
	}
	return strings.HasPrefix(d.ParentID, "t3_")
}

func metricLabel(subreddit string) string {
	if subreddit == "" {
		return "all"
	}
	return subreddit
}

func subredditFromLabel(label string) string {
	return strings.TrimPrefix(strings.TrimSpace(label), "r/")
}
