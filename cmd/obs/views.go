package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"observatorio/internal/app"
	"observatorio/internal/domain"
	"observatorio/internal/views"
)

type filterFlags struct {
	year int
	kind string
}

func (f *filterFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.year, "year", 0, "only this year")
	fs.StringVar(&f.kind, "type", "", "only this type (systems, infrastructure, devsecops)")
}

func (f filterFlags) filter() (views.Filter, error) {
	out := views.Filter{Year: f.year}
	if f.kind != "" {
		t, err := domain.ParseType(f.kind)
		if err != nil {
			return views.Filter{}, err
		}
		out.Type = t
	}
	return out, nil
}

func timelineCmd() *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Approved deliveries grouped by month",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				all, err := a.Deliveries(ctx)
				if err != nil {
					return err
				}
				groups := views.Timeline(all, filter)
				if jsonOutput() {
					return printJSON(groups)
				}
				if len(groups) == 0 {
					fmt.Println("No approved deliveries for this filter.")
					return nil
				}
				counts := views.CountByType(all, filter)
				fmt.Printf("Years: %s\n", joinInts(views.Years(all)))
				fmt.Printf("%s %d  %s %d  %s %d  total %d\n\n",
					domain.TypeSystems, counts.Systems,
					domain.TypeInfrastructure, counts.Infrastructure,
					domain.TypeDevSecOps, counts.DevSecOps, counts.Total)
				for _, g := range groups {
					fmt.Println(text.Bold.Sprint(g.Label()))
					tw := newTable()
					tw.AppendHeader(table.Row{"", "Date", "Title", "Summary"})
					for _, d := range g.Deliveries {
						tw.AppendRow(table.Row{
							d.Type.Icon(), d.DeliveryDate, d.Title,
							views.Summary(d.Highlights, d.Description, rt.Config.Views.TruncateAt),
						})
					}
					tw.Render()
					fmt.Println()
				}
				return nil
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func tvCmd() *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   "tv",
		Short: "Rotate approved deliveries full screen until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				all, err := a.Deliveries(ctx)
				if err != nil {
					return err
				}
				var shown []domain.Delivery
				for _, g := range views.Timeline(all, filter) {
					shown = append(shown, g.Deliveries...)
				}
				show := views.Slideshow{
					Clock:    clock.WallClock,
					Interval: rt.Config.TV.Interval,
					PerSlide: rt.Config.TV.PerSlide,
				}
				err = show.Run(ctx, shown, func(f views.Frame) {
					renderFrame(f, rt.Config.Views.TruncateAt)
				})
				if err == context.Canceled {
					return nil
				}
				return err
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func renderFrame(f views.Frame, truncateAt int) {
	clearScreen()
	if f.Total == 0 {
		fmt.Println("No approved deliveries yet.")
		return
	}
	fmt.Println(text.Bold.Sprintf("Observatorio TI  %d/%d", f.Index+1, f.Total))
	fmt.Println()
	for _, d := range f.Deliveries {
		title := d.Title
		if d.Highlighted {
			title = text.FgYellow.Sprint("★ " + title)
		}
		fmt.Printf("%s %s\n", d.Type.Icon(), text.Bold.Sprint(title))
		fmt.Printf("   %s  %s\n", d.DeliveryDate, strings.Join(d.Squads, ", "))
		fmt.Printf("   %s\n\n", views.Summary(d.Highlights, d.Description, truncateAt))
	}
}

func statsCmd() *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Statistics over approved deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				all, err := a.Deliveries(ctx)
				if err != nil {
					return err
				}
				st := views.Statistics(all, filter)
				if jsonOutput() {
					return printJSON(st)
				}
				printStats(st)
				return nil
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func printStats(st views.Stats) {
	totals := newTable()
	totals.SetTitle("Deliveries")
	totals.AppendHeader(table.Row{"Systems", "Infrastructure", "DevSecOps", "Total", "Monthly average"})
	totals.AppendRow(table.Row{st.Counts.Systems, st.Counts.Infrastructure, st.Counts.DevSecOps, st.Counts.Total, st.MonthlyAverage})
	totals.Render()

	months := newTable()
	months.SetTitle("Per month")
	months.AppendHeader(table.Row{"Month", "Systems", "Infrastructure", "DevSecOps", "Total"})
	for _, m := range st.Months {
		months.AppendRow(table.Row{
			fmt.Sprintf("%d-%02d", m.Year, int(m.Month)),
			m.Counts.Systems, m.Counts.Infrastructure, m.Counts.DevSecOps, m.Counts.Total,
		})
	}
	months.Render()

	top := newTable()
	top.SetTitle("Top systems")
	top.AppendHeader(table.Row{"#", "System", "Systems", "Infrastructure", "DevSecOps", "Total"})
	for i, s := range st.TopApplicants {
		top.AppendRow(table.Row{i + 1, s.Name, s.Counts.Systems, s.Counts.Infrastructure, s.Counts.DevSecOps, s.Counts.Total})
	}
	top.Render()
	fmt.Fprintln(os.Stdout)
}

func joinInts(in []int) string {
	parts := make([]string, len(in))
	for i, v := range in {
		parts[i] = fmt.Sprint(v)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
