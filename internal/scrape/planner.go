package scrape

import "fmt"

// User timeline surfaces.
const (
	SurfaceSubmissions = "submissions"
	SurfaceComments    = "comments"
)

// Target is one executable listing pull. The concrete types are sealed so
// the executor's type switch is exhaustive.
type Target interface {
	target()
}

// SubmissionsTarget walks one subreddit listing.
type SubmissionsTarget struct {
	Subreddit  string
	Listing    ListingType
	TimeFilter TimeFilter // empty when the listing ignores it
	Limit      int
}

func (SubmissionsTarget) target() {}

// SearchTarget runs one query against subreddit search.
type SearchTarget struct {
	Subreddit  string
	Query      string
	Sort       SortMode
	TimeFilter TimeFilter
	Limit      int
}

func (SearchTarget) target() {}

// UserTimelineTarget walks one surface of a user's history.
type UserTimelineTarget struct {
	Username string
	Surface  string // submissions|comments
	Sort     SortMode
	Limit    int
}

func (UserTimelineTarget) target() {}

// Plan is the expanded execution order for one subreddit and option set.
// Targets only describe listings; comment expansion happens per item at
// execution time, governed by Options.HarvestMode.
type Plan struct {
	Subreddit string
	Options   Options
	Targets   []Target
}

// BuildPlan validates opts and expands them into concrete targets:
// every non-search listing yields one submissions target (top and
// controversial fan out per configured time filter), search fans out per
// query and time filter, and each user timeline yields both surfaces.
func BuildPlan(subreddit string, opts Options) (Plan, error) {
	if err := opts.Validate(); err != nil {
		return Plan{}, fmt.Errorf("op=scrape.build_plan: %w", err)
	}

	plan := Plan{Subreddit: subreddit, Options: opts}

	filters := opts.TimeFilters
	if len(filters) == 0 {
		filters = []TimeFilter{""}
	}

	for _, listing := range opts.ListingTypes {
		switch listing {
		case ListingSearch:
			continue
		case ListingTop, ListingControversial:
			for _, tf := range filters {
				plan.Targets = append(plan.Targets, SubmissionsTarget{
					Subreddit:  subreddit,
					Listing:    listing,
					TimeFilter: tf,
					Limit:      opts.PerListingLimit,
				})
			}
		default:
			plan.Targets = append(plan.Targets, SubmissionsTarget{
				Subreddit: subreddit,
				Listing:   listing,
				Limit:     opts.PerListingLimit,
			})
		}
	}

	if opts.HasListing(ListingSearch) {
		sort := opts.SearchSort
		if sort == "" {
			sort = SortNew
		}
		for _, q := range opts.SearchQueries {
			for _, tf := range filters {
				plan.Targets = append(plan.Targets, SearchTarget{
					Subreddit:  subreddit,
					Query:      q,
					Sort:       sort,
					TimeFilter: tf,
					Limit:      opts.PerListingLimit,
				})
			}
		}
	}

	for _, username := range opts.UserTimelines {
		for _, surface := range []string{SurfaceSubmissions, SurfaceComments} {
			plan.Targets = append(plan.Targets, UserTimelineTarget{
				Username: username,
				Surface:  surface,
				Sort:     SortNew,
				Limit:    opts.PerListingLimit,
			})
		}
	}

	return plan, nil
}
