package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"observatorio/internal/app"
	"observatorio/internal/deliveries"
	"observatorio/internal/domain"
	"observatorio/internal/form"
	"observatorio/internal/views"
	"observatorio/internal/workflow"
)

func deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deliveries",
		Aliases: []string{"delivery", "d"},
		Short:   "Submit and manage deliveries",
	}
	cmd.AddCommand(deliveriesListCmd())
	cmd.AddCommand(deliveriesShowCmd())
	cmd.AddCommand(deliveriesCreateCmd())
	cmd.AddCommand(deliveriesEditCmd())
	cmd.AddCommand(deliveriesTransitionCmd(workflow.ActionApprove))
	cmd.AddCommand(deliveriesTransitionCmd(workflow.ActionReject))
	cmd.AddCommand(deliveriesDeleteCmd())
	return cmd
}

func deliveriesListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every delivery visible to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				all, err := a.Deliveries(ctx)
				if err != nil {
					return err
				}
				if status != "" {
					st, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					all = views.Board(all, views.BoardFilter{Status: st}).Deliveries
				}
				return printDeliveries(all, rt.Config.Views.TruncateAt, nil)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list deliveries in this state (pending, approved, rejected)")
	return cmd
}

func deliveriesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeliveryID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				if _, err := a.Deliveries(ctx); err != nil {
					return err
				}
				d, err := rt.Deliveries.FindByID(id)
				if err != nil {
					return err
				}
				actions, err := rt.Deliveries.Actions(id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d, func(tw table.Writer) {
					tw.AppendRows([]table.Row{
						{"ID", d.ID},
						{"Title", d.Title},
						{"Type", fmt.Sprintf("%s %s", d.Type.Icon(), d.Type)},
						{"Status", d.Status},
						{"Date", fmt.Sprintf("%s (%s)", d.DeliveryDate, humanize.Time(d.DeliveryDate.Time()))},
						{"Squads", strings.Join(d.Squads, ", ")},
						{"Business area", d.Customer},
						{"Applicant", d.Applicant},
						{"Highlighted", d.Highlighted},
						{"Highlights", views.Sanitize(d.Highlights)},
						{"Description", views.Sanitize(d.Description)},
						{"Actions", actionList(actions)},
					})
				})
			})
		},
	}
}

// deliveryFlags binds the form fields to command flags.
type deliveryFlags struct {
	title, description, highlights, date, kind string
	squads                                     []string
	customer, applicant                        string
	highlighted                                bool
}

func (f *deliveryFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.title, "title", "", "delivery title")
	fs.StringVar(&f.description, "description", "", "what was delivered (HTML allowed)")
	fs.StringVar(&f.highlights, "highlights", "", "short highlights shown on the TV")
	fs.StringVar(&f.date, "date", "", "delivery date (YYYY-MM-DD)")
	fs.StringVar(&f.kind, "type", "", "systems, infrastructure or devsecops")
	fs.StringSliceVar(&f.squads, "squad", nil, "squad name or id (repeatable)")
	fs.StringVar(&f.customer, "customer", "", "business area name or id")
	fs.StringVar(&f.applicant, "applicant", "", "system that received the change")
	fs.BoolVar(&f.highlighted, "highlighted", false, "feature the delivery")
}

// apply copies the flags that were set onto out.
func (f *deliveryFlags) apply(fs *pflag.FlagSet, opts deliveries.FormOptions, out *form.DeliveryForm) error {
	if fs.Changed("title") {
		out.Title = f.title
	}
	if fs.Changed("description") {
		out.Description = f.description
	}
	if fs.Changed("highlights") {
		out.Highlights = f.highlights
	}
	if fs.Changed("date") {
		out.Date = f.date
	}
	if fs.Changed("type") {
		t, err := domain.ParseType(f.kind)
		if err != nil {
			return err
		}
		out.Type = t
	}
	if fs.Changed("squad") {
		ids, err := opts.ResolveSquads(f.squads)
		if err != nil {
			return err
		}
		out.SquadIDs = ids
	}
	if fs.Changed("customer") {
		id, err := opts.ResolveCustomer(f.customer)
		if err != nil {
			return err
		}
		out.CustomerID = id
	}
	if fs.Changed("applicant") {
		out.Applicant = f.applicant
	}
	if fs.Changed("highlighted") {
		out.Highlighted = f.highlighted
	}
	return nil
}

func deliveriesCreateCmd() *cobra.Command {
	var flags deliveryFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a delivery for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				opts, err := a.FormOptions(ctx)
				if err != nil {
					return err
				}
				f := form.New()
				if err := flags.apply(cmd.Flags(), opts, &f); err != nil {
					return err
				}
				created, err := a.Submit(ctx, f)
				if err != nil {
					return formError(err)
				}
				return printDelivery(created)
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func deliveriesEditCmd() *cobra.Command {
	var flags deliveryFlags
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a pending or approved delivery (approvers only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeliveryID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				if _, err := a.Deliveries(ctx); err != nil {
					return err
				}
				current, err := rt.Deliveries.FindByID(id)
				if err != nil {
					return err
				}
				f := form.FromDelivery(current)
				if cmd.Flags().Changed("squad") || cmd.Flags().Changed("customer") {
					opts, err := a.FormOptions(ctx)
					if err != nil {
						return err
					}
					if err := flags.apply(cmd.Flags(), opts, &f); err != nil {
						return err
					}
				} else if err := flags.apply(cmd.Flags(), deliveries.FormOptions{}, &f); err != nil {
					return err
				}
				updated, err := a.Edit(ctx, id, f)
				if err != nil {
					return formError(err)
				}
				return printDelivery(updated)
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func deliveriesTransitionCmd(action workflow.Action) *cobra.Command {
	short := "Approve a pending or rejected delivery"
	if action == workflow.ActionReject {
		short = "Reject a pending or approved delivery"
	}
	return &cobra.Command{
		Use:   string(action) + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeliveryID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				if _, err := a.Deliveries(ctx); err != nil {
					return err
				}
				run := a.Approve
				if action == workflow.ActionReject {
					run = a.Reject
				}
				out, err := run(ctx, id)
				if err != nil {
					return err
				}
				return printDelivery(out)
			})
		},
	}
}

func deliveriesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rejected delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDeliveryID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				if _, err := a.Deliveries(ctx); err != nil {
					return err
				}
				return a.Delete(ctx, id)
			})
		},
	}
}

func adminCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Review deliveries on the approval board (approvers only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := boardFilter(status)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, rt *app.Runtime, a *app.App) error {
				board, err := a.Board(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(board)
				}
				fmt.Printf("Pending: %d  Approved: %d  Rejected: %d\n", board.Pending, board.Approved, board.Rejected)
				return printDeliveries(board.Deliveries, rt.Config.Views.TruncateAt, rt.Deliveries.Actions)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "pending, approved, rejected or all")
	return cmd
}

func boardFilter(status string) (views.BoardFilter, error) {
	if strings.EqualFold(status, "all") {
		return views.BoardFilter{All: true}, nil
	}
	st, err := domain.ParseStatus(status)
	if err != nil {
		return views.BoardFilter{}, err
	}
	return views.BoardFilter{Status: st}, nil
}

func squadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "squads",
		Short: "List squads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Deliveries.Squads(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name"})
					for _, s := range items {
						tw.AppendRow(table.Row{s.ID, s.Name})
					}
				})
			})
		},
	}
}

func customersCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "customers",
		Aliases: []string{"areas"},
		Short:   "List business areas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Deliveries.Customers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name"})
					for _, c := range items {
						tw.AppendRow(table.Row{c.ID, c.Name})
					}
				})
			})
		},
	}
}

func parseDeliveryID(v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid delivery id %q", v)
	}
	return id, nil
}

// formError lists field errors one per line.
func formError(err error) error {
	var fe form.FieldErrors
	if !errors.As(err, &fe) {
		return err
	}
	lines := make([]string, 0, len(fe))
	for _, e := range fe {
		lines = append(lines, fmt.Sprintf("  %s: %s", e.Field, e.Message))
	}
	return fmt.Errorf("invalid delivery:\n%s", strings.Join(lines, "\n"))
}

func printDelivery(d domain.Delivery) error {
	if jsonOutput() {
		return printJSON(d)
	}
	fmt.Printf("#%d %s [%s, %s]\n", d.ID, d.Title, d.Status, d.DeliveryDate)
	return nil
}

// printDeliveries renders a table; with actions set an Actions column lists
// what the current role may do.
func printDeliveries(items []domain.Delivery, truncateAt int, actions func(int64) (workflow.ActionSet, error)) error {
	if truncateAt <= 0 {
		truncateAt = views.DefaultSummaryLength
	}
	return printJSONOrTable(items, func(tw table.Writer) {
		header := table.Row{"ID", "Date", "Type", "Status", "Title", "Squads", "Business area"}
		if actions != nil {
			header = append(header, "Actions")
		}
		tw.AppendHeader(header)
		for _, d := range items {
			row := table.Row{d.ID, d.DeliveryDate, d.Type, d.Status, views.Truncate(d.Title, truncateAt), strings.Join(d.Squads, ", "), d.Customer}
			if actions != nil {
				set, err := actions(d.ID)
				if err != nil {
					logger.Debugf("actions for %d: %v", d.ID, err)
				}
				row = append(row, actionList(set))
			}
			tw.AppendRow(row)
		}
		tw.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d deliveries", len(items))})
	})
}

func actionList(set workflow.ActionSet) string {
	names := make([]string, 0, 4)
	for _, a := range set.Actions() {
		names = append(names, string(a))
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}
