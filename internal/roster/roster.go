// Package roster provides the vehicle lists used to seed the store when live
// channels are silent: at cold start and after the reconnect budget runs out.
package roster

import (
	"context"
	"errors"
	"fmt"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/feed"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/location"
)

// Source returns the last known position of every active vehicle.
type Source interface {
	Roster(ctx context.Context) ([]location.RawSample, error)
}

// HTTPSource reads a roster endpoint.
type HTTPSource struct {
	url     string
	fetcher *feed.Fetcher
	decode  feed.Decoder
}

// NewHTTPSource creates a Source backed by a REST endpoint.
func NewHTTPSource(url string, fetcher *feed.Fetcher, decode feed.Decoder) *HTTPSource {
	return &HTTPSource{url: url, fetcher: fetcher, decode: decode}
}

// Roster satisfies Source.
func (s *HTTPSource) Roster(ctx context.Context) ([]location.RawSample, error) {
	body, err := s.fetcher.Fetch(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}
	samples, err := s.decode(body)
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}
	return samples, nil
}

// PositionLister is the subset of the positions repository a roster needs.
type PositionLister interface {
	ListPositions(ctx context.Context) ([]location.Sample, error)
}

// RepositorySource replays positions persisted by a previous run.
type RepositorySource struct {
	repo PositionLister
}

// NewRepositorySource creates a Source over persisted positions.
func NewRepositorySource(repo PositionLister) *RepositorySource {
	return &RepositorySource{repo: repo}
}

// Roster satisfies Source.
func (s *RepositorySource) Roster(ctx context.Context) ([]location.RawSample, error) {
	positions, err := s.repo.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("roster: list positions: %w", err)
	}
	out := make([]location.RawSample, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.Raw())
	}
	return out, nil
}

// Chain tries each source in order and returns the first non-empty roster.
// Errors are only returned when every source fails.
type Chain []Source

// Roster satisfies Source.
func (c Chain) Roster(ctx context.Context) ([]location.RawSample, error) {
	var errs []error
	for _, src := range c {
		samples, err := src.Roster(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(samples) > 0 {
			return samples, nil
		}
	}
	return nil, errors.Join(errs...)
}

var (
	_ Source = (*HTTPSource)(nil)
	_ Source = (*RepositorySource)(nil)
	_ Source = Chain(nil)
)
