package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Raymond9734/campaign-dispatch/internal/models"
	"github.com/Raymond9734/campaign-dispatch/internal/repository"
)

// Built-in segment names
const (
	SegmentAll         = "all"
	SegmentSubscribers = "subscribers"
	SegmentUsers       = "users"
)

// SegmentResolver maps a segment name to its recipient phases and serves
// pages in ascending id order
type SegmentResolver interface {
	Resolve(name string) (models.Segment, error)
	Page(ctx context.Context, segment models.Segment, kind models.RecipientKind, afterID int64, pageSize int) ([]models.Recipient, error)
	Names() []string
}

type segmentResolver struct {
	directory   repository.SubscriberDirectory
	segments    map[string]models.Segment
	pageTimeout time.Duration
}

// NewSegmentResolver creates a resolver over the built-in segments plus the
// catalog. A catalog entry replaces a built-in of the same name.
func NewSegmentResolver(directory repository.SubscriberDirectory, catalog []models.Segment, pageTimeout time.Duration) SegmentResolver {
	segments := map[string]models.Segment{
		SegmentAll:         {Name: SegmentAll, Sources: []models.RecipientKind{models.RecipientSubscriber, models.RecipientUser}},
		SegmentSubscribers: {Name: SegmentSubscribers, Sources: []models.RecipientKind{models.RecipientSubscriber}},
		SegmentUsers:       {Name: SegmentUsers, Sources: []models.RecipientKind{models.RecipientUser}},
	}
	for _, seg := range catalog {
		segments[seg.Name] = seg
	}

	return &segmentResolver{
		directory:   directory,
		segments:    segments,
		pageTimeout: pageTimeout,
	}
}

// Resolve looks up a segment by name
func (r *segmentResolver) Resolve(name string) (models.Segment, error) {
	seg, ok := r.segments[name]
	if !ok {
		return models.Segment{}, models.ErrInvalidInput(fmt.Sprintf("unknown segment %q", name))
	}
	return seg, nil
}

// Page fetches up to pageSize recipients of kind with id > afterID. The
// fetch is bounded by the page timeout.
func (r *segmentResolver) Page(ctx context.Context, segment models.Segment, kind models.RecipientKind, afterID int64, pageSize int) ([]models.Recipient, error) {
	if r.pageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.pageTimeout)
		defer cancel()
	}

	page, err := r.directory.GetSegmentPage(ctx, models.SegmentQuery{Kind: kind, Tags: segment.Tags}, afterID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("segment %s page after %d: %w", segment.Name, afterID, err)
	}
	return page, nil
}

// Names lists every resolvable segment, sorted
func (r *segmentResolver) Names() []string {
	names := make([]string, 0, len(r.segments))
	for name := range r.segments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
