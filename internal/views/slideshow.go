package views

import (
	"context"
	"time"

	"github.com/juju/clock"

	"observatorio/internal/domain"
)

const (
	DefaultPerSlide      = 3
	DefaultSlideInterval = 15 * time.Second
)

// Slides pages the public deliveries, newest first.
func Slides(records []domain.Delivery, perSlide int) [][]domain.Delivery {
	if perSlide <= 0 {
		perSlide = DefaultPerSlide
	}
	public := Public(records)
	var out [][]domain.Delivery
	for start := 0; start < len(public); start += perSlide {
		end := start + perSlide
		if end > len(public) {
			end = len(public)
		}
		out = append(out, public[start:end])
	}
	return out
}

// Frame is what the TV shows at one moment.
type Frame struct {
	Index      int
	Total      int
	Deliveries []domain.Delivery
}

// Slideshow rotates through the slides on a fixed interval.
type Slideshow struct {
	Clock    clock.Clock
	Interval time.Duration
	PerSlide int
}

// Run shows the first slide at once and then advances every interval,
// wrapping around. A single slide is shown without rotation. Run returns when
// ctx is done.
func (s Slideshow) Run(ctx context.Context, records []domain.Delivery, show func(Frame)) error {
	clk := s.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSlideInterval
	}
	slides := Slides(records, s.PerSlide)
	frame := func(i int) Frame {
		f := Frame{Index: i, Total: len(slides)}
		if i < len(slides) {
			f.Deliveries = slides[i]
		}
		return f
	}

	current := 0
	show(frame(current))
	if len(slides) <= 1 {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
			current = (current + 1) % len(slides)
			logger.Tracef("slide %d/%d", current+1, len(slides))
			show(frame(current))
		}
	}
}
