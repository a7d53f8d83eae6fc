// Package scrape defines the typed harvest options and the planner that
// expands them into executable listing targets.
package scrape

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// ListingType selects which listing surface a submissions pull walks.
type ListingType string

const (
	ListingNew           ListingType = "new"
	ListingHot           ListingType = "hot"
	ListingTop           ListingType = "top"
	ListingRising        ListingType = "rising"
	ListingControversial ListingType = "controversial"
	ListingSearch        ListingType = "search"
)

// TimeFilter narrows top/controversial/search listings to a trailing window.
type TimeFilter string

const (
	FilterHour  TimeFilter = "hour"
	FilterDay   TimeFilter = "day"
	FilterWeek  TimeFilter = "week"
	FilterMonth TimeFilter = "month"
	FilterYear  TimeFilter = "year"
	FilterAll   TimeFilter = "all"
)

// SortMode orders search results and user timelines.
type SortMode string

const (
	SortRelevance SortMode = "relevance"
	SortHot       SortMode = "hot"
	SortTop       SortMode = "top"
	SortNew       SortMode = "new"
	SortComments  SortMode = "comments"
)

// CommentHarvestMode controls how much of each comment tree is pulled.
type CommentHarvestMode string

const (
	HarvestPostOnly     CommentHarvestMode = "post_only"
	HarvestTopLevelOnly CommentHarvestMode = "top_level_only"
	HarvestAllComments  CommentHarvestMode = "all_comments"
)

// Options is the full harvest tuning surface for one run. Zero values are
// not usable directly; start from DefaultOptions and override.
type Options struct {
	IncludeSubmissions bool `json:"include_submissions"`
	IncludeComments    bool `json:"include_comments"`

	ListingTypes []ListingType `json:"listing_types" validate:"min=1,dive,oneof=new hot top rising controversial search"`
	TimeFilters  []TimeFilter  `json:"time_filters,omitempty" validate:"omitempty,dive,oneof=hour day week month year all"`

	SearchQueries []string `json:"search_queries,omitempty"`
	SearchSort    SortMode `json:"search_sort,omitempty" validate:"omitempty,oneof=relevance hot top new comments"`
	KeywordMode   string   `json:"keyword_mode,omitempty" validate:"omitempty,oneof=all any"`

	UserTimelines []string `json:"user_timelines,omitempty"`

	PaginationTarget int `json:"pagination_target,omitempty" validate:"omitempty,gt=0"`
	PerListingLimit  int `json:"per_listing_limit" validate:"gt=0"`

	HarvestMode             CommentHarvestMode `json:"harvest_mode" validate:"oneof=post_only top_level_only all_comments"`
	ExpandCommentDepthLimit int                `json:"expand_comment_depth_limit,omitempty" validate:"omitempty,gte=0"`

	DedupeOnURI bool `json:"dedupe_on_uri"`
}

// DefaultOptions is the baseline tuning: both surfaces on, the three broad
// listings, one hundred entries per listing, comment trees untouched.
func DefaultOptions() Options {
	return Options{
		IncludeSubmissions: true,
		IncludeComments:    true,
		ListingTypes:       []ListingType{ListingNew, ListingHot, ListingTop},
		SearchSort:         SortNew,
		KeywordMode:        "all",
		PerListingLimit:    100,
		HarvestMode:        HarvestPostOnly,
		DedupeOnURI:        true,
	}
}

// HasListing reports whether lt is in the configured listing set.
func (o Options) HasListing(lt ListingType) bool {
	for _, l := range o.ListingTypes {
		if l == lt {
			return true
		}
	}
	return false
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New()
		vld.RegisterStructValidation(validateOptionsStruct, Options{})
	})
	return vld
}

// Cross-field rule: a search listing is meaningless without queries.
func validateOptionsStruct(sl validator.StructLevel) {
	o := sl.Current().Interface().(Options)
	if o.HasListing(ListingSearch) && len(o.SearchQueries) == 0 {
		sl.ReportError(o.SearchQueries, "SearchQueries", "search_queries", "required_with_search_listing", "")
	}
}

// Validate checks enum membership and the cross-field rules. Failures wrap
// ErrInvalidArgument.
func (o Options) Validate() error {
	if err := getValidator().Struct(o); err != nil {
		return fmt.Errorf("op=scrape.options: %w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
