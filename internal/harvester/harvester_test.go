package harvester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
	"github.com/scrapeworks/reddit-harvester/internal/scrape"
)

type stubClient struct {
	fetches []domain.ListingQuery
	respond func(q domain.ListingQuery) ([]domain.Item, string, error)
}

func (s *stubClient) Probe(ctx domain.Context) error { return nil }

func (s *stubClient) Fetch(ctx domain.Context, q domain.ListingQuery) ([]domain.Item, string, error) {
	s.fetches = append(s.fetches, q)
	return s.respond(q)
}

func (s *stubClient) Close() error { return nil }

type limiterCall struct {
	name   string
	tokens float64
}

type stubLimiter struct {
	grant bool
	err   error
	calls []limiterCall
}

func (s *stubLimiter) EnsureBucket(ctx domain.Context, name string, capacity, refillRate float64) error {
	return nil
}

func (s *stubLimiter) Acquire(ctx domain.Context, name string, tokens float64, timeout time.Duration) (bool, error) {
	s.calls = append(s.calls, limiterCall{name: name, tokens: tokens})
	return s.grant, s.err
}

type stubCheckpoints struct {
	saved map[string]json.RawMessage
}

func newStubCheckpoints() *stubCheckpoints {
	return &stubCheckpoints{saved: map[string]json.RawMessage{}}
}

func (s *stubCheckpoints) SaveProgress(ctx domain.Context, jobID string, payload json.RawMessage) error {
	s.saved[jobID] = append(json.RawMessage{}, payload...)
	return nil
}

func (s *stubCheckpoints) LoadProgress(ctx domain.Context, jobID string) (json.RawMessage, error) {
	raw, ok := s.saved[jobID]
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func leaseWith(client domain.RedditClient) *domain.Lease {
	return &domain.Lease{
		Account:    domain.Account{AccountID: "acct-test", Username: "tester"},
		Client:     client,
		AcquiredAt: time.Now(),
	}
}

func post(id, uri string, createdAt time.Time) domain.Item {
	return domain.Item{
		ID:        "t3_" + id,
		Kind:      domain.ItemKindPost,
		Subreddit: "golang",
		URI:       uri,
		CreatedAt: createdAt,
		Payload:   json.RawMessage(`{}`),
	}
}

func comment(id, parentID string) domain.Item {
	payload := fmt.Sprintf(`{"parent_id":%q}`, parentID)
	return domain.Item{
		ID:        "t1_" + id,
		Kind:      domain.ItemKindComment,
		Subreddit: "golang",
		URI:       "https://www.reddit.com/c/" + id,
		CreatedAt: time.Now().UTC(),
		Payload:   json.RawMessage(payload),
	}
}

func listingOnlyOptions() scrape.Options {
	opts := scrape.DefaultOptions()
	opts.IncludeComments = false
	opts.ListingTypes = []scrape.ListingType{scrape.ListingNew}
	opts.PerListingLimit = 2
	return opts
}

func TestHarvestWalksPaginatedListing(t *testing.T) {
	now := time.Now().UTC()
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		switch q.After {
		case "":
			return []domain.Item{post("a", "https://r/a", now), post("b", "https://r/b", now)}, "t3_b", nil
		case "t3_b":
			return []domain.Item{post("c", "https://r/c", now)}, "", nil
		default:
			return nil, "", nil
		}
	}}

	h := New(&stubLimiter{grant: true}, newStubCheckpoints(), listingOnlyOptions(), "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{Label: "r/golang", EntityLimit: 10})

	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "t3_a", items[0].ID)
	assert.Equal(t, "t3_c", items[2].ID)

	require.Len(t, client.fetches, 2)
	assert.Equal(t, "golang", client.fetches[0].Subreddit)
	assert.Equal(t, "new", client.fetches[0].Listing)
	assert.Equal(t, "t3_b", client.fetches[1].After)
}

func TestHarvestDedupesOnURI(t *testing.T) {
	now := time.Now().UTC()
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		return []domain.Item{
			post("a", "https://r/a", now),
			post("a2", "https://r/a", now),
			post("b", "", now),
			post("c", "", now),
		}, "", nil
	}}

	h := New(&stubLimiter{grant: true}, newStubCheckpoints(), listingOnlyOptions(), "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{Label: "r/golang", EntityLimit: 10})

	require.NoError(t, err)
	require.Len(t, items, 3, "duplicate URI dropped, blank URIs never deduped")
	assert.Equal(t, "t3_a", items[0].ID)
	assert.Equal(t, "t3_b", items[1].ID)
	assert.Equal(t, "t3_c", items[2].ID)
}

func TestHarvestStopsAtEntityLimit(t *testing.T) {
	now := time.Now().UTC()
	page := 0
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		page++
		a := fmt.Sprintf("p%d-a", page)
		b := fmt.Sprintf("p%d-b", page)
		return []domain.Item{
			post(a, "https://r/"+a, now),
			post(b, "https://r/"+b, now),
		}, "t3_" + b, nil
	}}

	h := New(&stubLimiter{grant: true}, newStubCheckpoints(), listingOnlyOptions(), "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{Label: "r/golang", EntityLimit: 3})

	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.LessOrEqual(t, len(client.fetches), 2, "a full run must stop following cursors")
}

func TestHarvestFiltersPostsOutsideWindow(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 8, 0, 0, 0, 0, time.UTC)
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		return []domain.Item{
			post("old", "https://r/old", start.Add(-time.Hour)),
			post("in", "https://r/in", start.Add(24*time.Hour)),
			post("new", "https://r/new", end.Add(time.Hour)),
		}, "", nil
	}}

	h := New(&stubLimiter{grant: true}, newStubCheckpoints(), listingOnlyOptions(), "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{
		Label:       "r/golang",
		Start:       start,
		End:         end,
		EntityLimit: 10,
	})

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t3_in", items[0].ID)
}

func allCommentsOptions() scrape.Options {
	opts := scrape.DefaultOptions()
	opts.ListingTypes = []scrape.ListingType{scrape.ListingNew}
	opts.PerListingLimit = 5
	opts.HarvestMode = scrape.HarvestAllComments
	opts.ExpandCommentDepthLimit = 10
	return opts
}

func TestHarvestExpandsCommentTrees(t *testing.T) {
	now := time.Now().UTC()
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		switch {
		case q.PostID == "p1" && q.After == "":
			return []domain.Item{comment("c1", "t3_p1"), comment("c2", "t1_c1")}, "c3,c4", nil
		case q.PostID == "p1" && q.After == "c3,c4":
			return []domain.Item{comment("c3", "t1_c2")}, "", nil
		case q.PostID == "":
			return []domain.Item{post("p1", "https://r/p1", now)}, "", nil
		default:
			return nil, "", nil
		}
	}}
	limiter := &stubLimiter{grant: true}

	h := New(limiter, newStubCheckpoints(), allCommentsOptions(), "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{Label: "r/golang", EntityLimit: 50})

	require.NoError(t, err)
	require.Len(t, items, 4, "one post plus three comments")
	assert.Equal(t, "t3_p1", items[0].ID)
	assert.Equal(t, "t1_c3", items[3].ID)

	require.Len(t, limiter.calls, 1, "one gated morechildren round")
	assert.Equal(t, "reddit-global", limiter.calls[0].name)
	assert.InDelta(t, 1, limiter.calls[0].tokens, 1e-9)
}

func TestHarvestTopLevelOnlyKeepsDirectReplies(t *testing.T) {
	now := time.Now().UTC()
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		switch {
		case q.PostID == "p1":
			return []domain.Item{comment("c1", "t3_p1"), comment("c2", "t1_c1")}, "c9", nil
		case q.PostID == "":
			return []domain.Item{post("p1", "https://r/p1", now)}, "", nil
		default:
			return nil, "", nil
		}
	}}
	limiter := &stubLimiter{grant: true}

	opts := allCommentsOptions()
	opts.HarvestMode = scrape.HarvestTopLevelOnly
	h := New(limiter, newStubCheckpoints(), opts, "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{Label: "r/golang", EntityLimit: 50})

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "t1_c1", items[1].ID, "nested reply dropped")
	assert.Empty(t, limiter.calls, "no morechildren round outside all_comments mode")
}

func TestHarvestDeniedBucketSkipsExpansionRound(t *testing.T) {
	now := time.Now().UTC()
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		switch {
		case q.PostID == "p1" && q.After == "":
			return []domain.Item{comment("c1", "t3_p1")}, "c5,c6", nil
		case q.PostID == "":
			return []domain.Item{post("p1", "https://r/p1", now)}, "", nil
		default:
			return nil, "", errors.New("morechildren must not be fetched")
		}
	}}

	h := New(&stubLimiter{grant: false}, newStubCheckpoints(), allCommentsOptions(), "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{Label: "r/golang", EntityLimit: 50})

	require.NoError(t, err)
	assert.Len(t, items, 2, "first comment page still collected")
}

func TestHarvestResumesFromSavedCursor(t *testing.T) {
	now := time.Now().UTC()
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		id := q.Listing + "-1"
		return []domain.Item{post(id, "https://r/"+id, now)}, "", nil
	}}
	ckpts := newStubCheckpoints()
	ckpts.saved["job-1"] = json.RawMessage(`{"next_target":1,"collected":4}`)

	opts := listingOnlyOptions()
	opts.ListingTypes = []scrape.ListingType{scrape.ListingNew, scrape.ListingHot}
	h := New(&stubLimiter{grant: true}, ckpts, opts, "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{
		JobID:       "job-1",
		Label:       "r/golang",
		EntityLimit: 5,
	})

	require.NoError(t, err)
	require.Len(t, items, 1, "resumed count of 4 leaves room for one item")
	assert.Equal(t, "t3_hot-1", items[0].ID, "the completed first target is skipped")

	require.Len(t, client.fetches, 1)
	assert.Equal(t, "hot", client.fetches[0].Listing)
	assert.JSONEq(t, `{"next_target":0,"collected":0,"done":true}`, string(ckpts.saved["job-1"]))
}

func TestHarvestSavesCursorOnTargetFailure(t *testing.T) {
	now := time.Now().UTC()
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		if q.Listing == "hot" {
			return nil, "", fmt.Errorf("status 429 ratelimit: %w", domain.ErrRateLimited)
		}
		return []domain.Item{post("a", "https://r/a", now)}, "", nil
	}}
	ckpts := newStubCheckpoints()

	opts := listingOnlyOptions()
	opts.ListingTypes = []scrape.ListingType{scrape.ListingNew, scrape.ListingHot}
	h := New(&stubLimiter{grant: true}, ckpts, opts, "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{
		JobID:       "job-1",
		Label:       "r/golang",
		EntityLimit: 10,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Nil(t, items)
	assert.JSONEq(t, `{"next_target":1,"collected":1}`, string(ckpts.saved["job-1"]))
}

func TestHarvestUserTimelinesHitBothSurfaces(t *testing.T) {
	now := time.Now().UTC()
	client := &stubClient{respond: func(q domain.ListingQuery) ([]domain.Item, string, error) {
		switch q.Surface {
		case "submissions":
			return []domain.Item{post("up", "https://r/up", now)}, "", nil
		case "comments":
			return []domain.Item{comment("uc", "t3_up")}, "", nil
		default:
			return nil, "", nil
		}
	}}

	opts := scrape.DefaultOptions()
	opts.ListingTypes = []scrape.ListingType{scrape.ListingNew}
	opts.UserTimelines = []string{"alice"}
	h := New(&stubLimiter{grant: true}, newStubCheckpoints(), opts, "reddit-global")
	items, err := h.Harvest(context.Background(), leaseWith(client), domain.ScrapeWindow{EntityLimit: 10})

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "t3_up", items[0].ID)
	assert.Equal(t, "t1_uc", items[1].ID)

	var surfaces []string
	for _, q := range client.fetches {
		if q.Username != "" {
			surfaces = append(surfaces, q.Surface)
		}
	}
	assert.Equal(t, []string{"submissions", "comments"}, surfaces)
}

func TestRunOptions(t *testing.T) {
	opts := RunOptions(250)
	assert.Equal(t, scrape.HarvestAllComments, opts.HarvestMode)
	assert.Equal(t, 10, opts.ExpandCommentDepthLimit)
	assert.Equal(t, 250, opts.PaginationTarget)
	assert.True(t, opts.DedupeOnURI)
	assert.True(t, opts.IncludeComments)
	require.NoError(t, opts.Validate())
}

func TestHarvestRejectsLeaseWithoutClient(t *testing.T) {
	h := New(&stubLimiter{grant: true}, newStubCheckpoints(), listingOnlyOptions(), "reddit-global")
	_, err := h.Harvest(context.Background(), &domain.Lease{}, domain.ScrapeWindow{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
