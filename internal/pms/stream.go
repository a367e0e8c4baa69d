package pms

import (
	"context"

	"github.com/voicehive/backend/internal/errdefs"
)

// pageFunc fetches one bounded page. An empty next cursor ends the stream.
type pageFunc func(ctx context.Context, cursor string) (items []*Reservation, next string, err error)

// ReservationStream is a finite, non-restartable lazy sequence. Next pulls
// the following item, fetching pages as the buffer drains; cancellation
// takes effect at the next page boundary.
type ReservationStream struct {
	fetch  pageFunc
	buffer []*Reservation
	cursor string
	done   bool
	err    error
}

func newReservationStream(fetch pageFunc) *ReservationStream {
	return &ReservationStream{fetch: fetch}
}

// failedStream yields only err.
func failedStream(err error) *ReservationStream {
	return &ReservationStream{done: true, err: err}
}

// Next returns the next reservation, or (nil, nil) when the stream is
// exhausted.
func (s *ReservationStream) Next(ctx context.Context) (*Reservation, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.buffer) == 0 {
		if s.done {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			s.err = errdefs.Cancelled("reservation stream cancelled")
			return nil, s.err
		}
		items, next, err := s.fetch(ctx, s.cursor)
		if err != nil {
			s.err = err
			return nil, err
		}
		s.buffer = items
		s.cursor = next
		if next == "" {
			s.done = true
		}
		if len(s.buffer) == 0 {
			if s.done {
				return nil, nil
			}
			return s.Next(ctx)
		}
	}
	item := s.buffer[0]
	s.buffer = s.buffer[1:]
	return item, nil
}

// Collect drains the stream. Intended for tests and small result sets.
func (s *ReservationStream) Collect(ctx context.Context) ([]*Reservation, error) {
	var all []*Reservation
	for {
		item, err := s.Next(ctx)
		if err != nil {
			return all, err
		}
		if item == nil {
			return all, nil
		}
		all = append(all, item)
	}
}
