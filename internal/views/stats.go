package views

import (
	"math"
	"sort"
	"time"

	"observatorio/internal/domain"
)

// NoSystem labels deliveries that name no applicant system.
const NoSystem = "No system"

// TopApplicantsLimit caps the applicant ranking.
const TopApplicantsLimit = 10

// TypeCounts counts deliveries per type.
type TypeCounts struct {
	Systems        int `json:"systems"`
	Infrastructure int `json:"infrastructure"`
	DevSecOps      int `json:"devsecops"`
	Total          int `json:"total"`
}

func (c *TypeCounts) add(t domain.Type) {
	c.Total++
	switch t {
	case domain.TypeSystems:
		c.Systems++
	case domain.TypeInfrastructure:
		c.Infrastructure++
	case domain.TypeDevSecOps:
		c.DevSecOps++
	}
}

// Of returns the count for one type.
func (c TypeCounts) Of(t domain.Type) int {
	switch t {
	case domain.TypeSystems:
		return c.Systems
	case domain.TypeInfrastructure:
		return c.Infrastructure
	case domain.TypeDevSecOps:
		return c.DevSecOps
	}
	return 0
}

// MonthStat is one point of the per-month series.
type MonthStat struct {
	Year   int        `json:"year"`
	Month  time.Month `json:"month"`
	Counts TypeCounts `json:"counts"`
}

// ApplicantStat is one row of the applicant ranking.
type ApplicantStat struct {
	Name   string     `json:"name"`
	Counts TypeCounts `json:"counts"`
}

// Stats summarises the public deliveries.
type Stats struct {
	Counts         TypeCounts      `json:"counts"`
	MonthlyAverage int             `json:"monthly_average"`
	Months         []MonthStat     `json:"months"`
	TopApplicants  []ApplicantStat `json:"top_applicants"`
}

// Statistics computes the statistics page. Totals honour both the year and
// the type of f; the monthly series and the applicant ranking honour the year
// only and break counts down per type.
func Statistics(records []domain.Delivery, f Filter) Stats {
	var st Stats
	byMonth := map[[2]int]*MonthStat{}
	byApplicant := map[string]*ApplicantStat{}
	var order []string
	for _, d := range Public(records) {
		if f.Year != 0 && d.DeliveryDate.Year != f.Year {
			continue
		}
		if f.Type == 0 || d.Type == f.Type {
			st.Counts.add(d.Type)
		}
		if !d.DeliveryDate.IsZero() {
			key := [2]int{d.DeliveryDate.Year, int(d.DeliveryDate.Month)}
			m, ok := byMonth[key]
			if !ok {
				m = &MonthStat{Year: d.DeliveryDate.Year, Month: d.DeliveryDate.Month}
				byMonth[key] = m
			}
			m.Counts.add(d.Type)
		}
		name := d.Applicant
		if name == "" {
			name = NoSystem
		}
		a, ok := byApplicant[name]
		if !ok {
			a = &ApplicantStat{Name: name}
			byApplicant[name] = a
			order = append(order, name)
		}
		a.Counts.add(d.Type)
	}

	if st.Counts.Total > 0 {
		st.MonthlyAverage = int(math.Round(float64(st.Counts.Total) / 12))
	}
	for _, m := range byMonth {
		st.Months = append(st.Months, *m)
	}
	sort.Slice(st.Months, func(i, j int) bool {
		if st.Months[i].Year != st.Months[j].Year {
			return st.Months[i].Year < st.Months[j].Year
		}
		return st.Months[i].Month < st.Months[j].Month
	})
	for _, name := range order {
		st.TopApplicants = append(st.TopApplicants, *byApplicant[name])
	}
	sort.SliceStable(st.TopApplicants, func(i, j int) bool {
		return st.TopApplicants[i].Counts.Total > st.TopApplicants[j].Counts.Total
	})
	if len(st.TopApplicants) > TopApplicantsLimit {
		st.TopApplicants = st.TopApplicants[:TopApplicantsLimit]
	}
	return st
}
