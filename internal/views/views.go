// Package views derives the data behind the public timeline, the TV
// slideshow, the statistics page and the approval board from the delivery
// collection. Nothing here renders; callers decide how to draw it.
package views

import (
	"sort"
	"time"

	"github.com/juju/loggo"

	"observatorio/internal/domain"
)

var logger = loggo.GetLogger("observatorio.views")

// Filter narrows the public surfaces. Zero values mean no restriction.
type Filter struct {
	Year int
	Type domain.Type
}

func (f Filter) match(d domain.Delivery) bool {
	if f.Year != 0 && d.DeliveryDate.Year != f.Year {
		return false
	}
	if f.Type != 0 && d.Type != f.Type {
		return false
	}
	return true
}

// Public keeps approved deliveries only, newest first.
func Public(records []domain.Delivery) []domain.Delivery {
	var out []domain.Delivery
	for _, d := range records {
		if d.Status == domain.StatusApproved {
			out = append(out, d)
		}
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders by delivery date, then id, descending.
func SortNewestFirst(records []domain.Delivery) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.DeliveryDate != b.DeliveryDate {
			return b.DeliveryDate.Before(a.DeliveryDate)
		}
		return a.ID > b.ID
	})
}

// Years lists the distinct years of the public deliveries, newest first.
func Years(records []domain.Delivery) []int {
	seen := map[int]bool{}
	var years []int
	for _, d := range Public(records) {
		if d.DeliveryDate.IsZero() || seen[d.DeliveryDate.Year] {
			continue
		}
		seen[d.DeliveryDate.Year] = true
		years = append(years, d.DeliveryDate.Year)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}

// CountByType counts public deliveries matching the year of f per type.
func CountByType(records []domain.Delivery, f Filter) TypeCounts {
	var c TypeCounts
	for _, d := range Public(records) {
		if f.Year != 0 && d.DeliveryDate.Year != f.Year {
			continue
		}
		c.add(d.Type)
	}
	return c
}

// MonthGroup is one section of the timeline.
type MonthGroup struct {
	Year       int               `json:"year"`
	Month      time.Month        `json:"month"`
	Deliveries []domain.Delivery `json:"deliveries"`
}

// Label renders the group heading, e.g. "June 2025".
func (g MonthGroup) Label() string {
	return time.Date(g.Year, g.Month, 1, 0, 0, 0, 0, time.UTC).Format("January 2006")
}

// Timeline groups the public deliveries matching f by month, newest first.
// Deliveries without a date are left out.
func Timeline(records []domain.Delivery, f Filter) []MonthGroup {
	var groups []MonthGroup
	for _, d := range Public(records) {
		if d.DeliveryDate.IsZero() || !f.match(d) {
			continue
		}
		n := len(groups)
		if n > 0 && groups[n-1].Year == d.DeliveryDate.Year && groups[n-1].Month == d.DeliveryDate.Month {
			groups[n-1].Deliveries = append(groups[n-1].Deliveries, d)
			continue
		}
		groups = append(groups, MonthGroup{
			Year:       d.DeliveryDate.Year,
			Month:      d.DeliveryDate.Month,
			Deliveries: []domain.Delivery{d},
		})
	}
	return groups
}

// BoardFilter selects the deliveries listed on the approval board. The zero
// value lists pending deliveries.
type BoardFilter struct {
	Status domain.Status
	All    bool
}

// BoardView is the approval board: counters per status plus the selection.
type BoardView struct {
	Pending    int               `json:"pending"`
	Approved   int               `json:"approved"`
	Rejected   int               `json:"rejected"`
	Filter     BoardFilter       `json:"-"`
	Deliveries []domain.Delivery `json:"deliveries"`
}

// Board builds the approval board over every delivery regardless of status.
func Board(records []domain.Delivery, f BoardFilter) BoardView {
	if !f.All && f.Status == 0 {
		f.Status = domain.StatusPending
	}
	v := BoardView{Filter: f}
	for _, d := range records {
		switch d.Status {
		case domain.StatusPending:
			v.Pending++
		case domain.StatusApproved:
			v.Approved++
		case domain.StatusRejected:
			v.Rejected++
		}
		if f.All || d.Status == f.Status {
			v.Deliveries = append(v.Deliveries, d)
		}
	}
	SortNewestFirst(v.Deliveries)
	return v
}
