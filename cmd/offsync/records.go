package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offlinesync/internal/app"
	"github.com/mschirtzinger/offlinesync/internal/coordinator"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/ui"
)

// interactive reports whether missing fields may be asked for with a form.
var interactive = func() bool { return ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout) }

func required(name string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

// withOwner opens the app and resolves the owner for a record command.
func withOwner(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, owner string) error) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Dispose()

	owner, err := requireOwner(a)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), a, owner)
}

// listRecords loads owner's records of c and prints them as a table.
func listRecords[E schema.Record](cmd *cobra.Command, c *coordinator.Coordinator[E], owner string, header []string, row func(E) []string) error {
	refresh, _ := cmd.Flags().GetBool("refresh")

	res, err := c.Load(cmd.Context(), owner, refresh)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Warning != "" {
		fmt.Fprintf(out, "%s %s\n", ui.RenderWarn("⚠"), res.Warning)
	}
	if len(res.Items) == 0 {
		fmt.Fprintf(out, "No %ss\n", c.EntityType())
		return nil
	}

	rows := make([][]string, 0, len(res.Items))
	for _, item := range res.Items {
		rows = append(rows, row(item))
	}
	fmt.Fprint(out, ui.Table(header, rows))

	snap := c.Snapshot()
	if snap.Pending > 0 {
		fmt.Fprintf(out, "%s\n", ui.RenderMuted(fmt.Sprintf("%d change(s) waiting to sync", snap.Pending)))
	}
	return nil
}

func printSaved(cmd *cobra.Command, what, id string, a *app.App) {
	status := ui.RenderPass("✓")
	suffix := ""
	if !a.Connectivity.Online() {
		status = ui.RenderWarn("⏳")
		suffix = " (queued, will sync when online)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s%s\n", status, what, id, suffix)
}

func shortTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ui.RenderMuted("-")
	}
	return t.Local().Format("2006-01-02 15:04")
}

func check(done bool) string {
	if done {
		return ui.RenderPass("✓")
	}
	return " "
}

// Tasks

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "records",
	Short:   "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		desc, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetInt("priority")
		due, _ := cmd.Flags().GetString("due")

		if title == "" && interactive() {
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Title").Value(&title).Validate(required("title")),
				huh.NewText().Title("Description").Value(&desc),
				huh.NewSelect[int]().Title("Priority").Options(huh.NewOptions(0, 1, 2, 3, 4)...).Value(&priority),
				huh.NewInput().Title("Due").Placeholder("e.g. friday 5pm").Value(&due),
			))
			if err := form.Run(); err != nil {
				return err
			}
		}
		if title == "" {
			return fmt.Errorf("--title is required")
		}

		task := schema.Task{Title: title, Description: desc, Priority: priority}
		if due != "" {
			at, err := parseWhen(due, time.Now())
			if err != nil {
				return err
			}
			task.DueAt = &at
		}

		return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
			created, err := a.Tasks.Create(ctx, owner, task)
			if err != nil {
				return err
			}
			printSaved(cmd, "Created task", created.ID, a)
			return nil
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
			now := time.Now()
			return listRecords(cmd, a.Tasks, owner,
				[]string{"", "ID", "P", "TITLE", "DUE"},
				func(t schema.Task) []string {
					due := shortTime(t.DueAt)
					if t.Overdue(now) {
						due = ui.RenderFail(due)
					}
					return []string{check(t.Completed), t.ID, strconv.Itoa(t.Priority), t.Title, due}
				})
		})
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
			if _, err := a.Tasks.Load(ctx, owner, false); err != nil {
				return err
			}
			updated, err := a.Tasks.Update(ctx, args[0], schema.Patch{"completed": true})
			if err != nil {
				return err
			}
			printSaved(cmd, "Completed task", updated.ID, a)
			return nil
		})
	},
}

// Expenses

var expenseCmd = &cobra.Command{
	Use:     "expense",
	GroupID: "records",
	Short:   "Manage expenses",
}

var expenseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record an expense",
	RunE: func(cmd *cobra.Command, args []string) error {
		item, _ := cmd.Flags().GetString("item")
		amount, _ := cmd.Flags().GetFloat64("amount")
		category, _ := cmd.Flags().GetString("category")
		at, _ := cmd.Flags().GetString("at")

		if item == "" && interactive() {
			amountText := ""
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Item").Value(&item).Validate(required("item")),
				huh.NewInput().Title("Amount").Value(&amountText).Validate(func(s string) error {
					v, err := strconv.ParseFloat(s, 64)
					if err != nil || v < 0 {
						return errors.New("amount must be a non-negative number")
					}
					return nil
				}),
				huh.NewInput().Title("Category").Value(&category),
				huh.NewInput().Title("When").Placeholder("now").Value(&at),
			))
			if err := form.Run(); err != nil {
				return err
			}
			amount, _ = strconv.ParseFloat(amountText, 64)
		}
		if item == "" {
			return fmt.Errorf("--item is required")
		}

		spent := time.Now()
		if at != "" {
			parsed, err := parseWhen(at, spent)
			if err != nil {
				return err
			}
			spent = parsed
		}
		expense := schema.Expense{Item: item, Amount: amount, Category: category, SpentAt: spent}

		return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
			created, err := a.Expenses.Create(ctx, owner, expense)
			if err != nil {
				return err
			}
			printSaved(cmd, "Recorded expense", created.ID, a)
			return nil
		})
	},
}

var expenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List expenses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
			return listRecords(cmd, a.Expenses, owner,
				[]string{"ID", "WHEN", "ITEM", "CATEGORY", "AMOUNT"},
				func(e schema.Expense) []string {
					return []string{e.ID, shortTime(&e.SpentAt), e.Item, e.Category, strconv.FormatFloat(e.Amount, 'f', 2, 64)}
				})
		})
	},
}

// Reminders

var reminderCmd = &cobra.Command{
	Use:     "reminder",
	GroupID: "records",
	Short:   "Manage reminders",
}

var reminderAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a reminder",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		notes, _ := cmd.Flags().GetString("notes")
		at, _ := cmd.Flags().GetString("at")

		if (title == "" || at == "") && interactive() {
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Title").Value(&title).Validate(required("title")),
				huh.NewInput().Title("Remind at").Placeholder("e.g. tomorrow 9am").Value(&at).Validate(required("time")),
				huh.NewText().Title("Notes").Value(&notes),
			))
			if err := form.Run(); err != nil {
				return err
			}
		}
		if title == "" || at == "" {
			return fmt.Errorf("--title and --at are required")
		}

		remindAt, err := parseWhen(at, time.Now())
		if err != nil {
			return err
		}
		reminder := schema.Reminder{Title: title, Notes: notes, RemindAt: remindAt}

		return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
			created, err := a.Reminders.Create(ctx, owner, reminder)
			if err != nil {
				return err
			}
			printSaved(cmd, "Created reminder", created.ID, a)
			return nil
		})
	},
}

var reminderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
			now := time.Now()
			return listRecords(cmd, a.Reminders, owner,
				[]string{"", "ID", "AT", "TITLE"},
				func(r schema.Reminder) []string {
					at := shortTime(&r.RemindAt)
					if r.Due(now) {
						at = ui.RenderWarn(at)
					}
					return []string{check(r.Done), r.ID, at, r.Title}
				})
		})
	},
}

var reminderDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a reminder done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
			if _, err := a.Reminders.Load(ctx, owner, false); err != nil {
				return err
			}
			updated, err := a.Reminders.Update(ctx, args[0], schema.Patch{"done": true})
			if err != nil {
				return err
			}
			printSaved(cmd, "Dismissed reminder", updated.ID, a)
			return nil
		})
	},
}

// removeCmd builds the "rm" subcommand of an entity type.
func removeCmd(t schema.EntityType) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a " + string(t),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOwner(cmd, func(ctx context.Context, a *app.App, owner string) error {
				var err error
				switch t {
				case schema.TypeTask:
					if _, err = a.Tasks.Load(ctx, owner, false); err == nil {
						err = a.Tasks.Delete(ctx, args[0])
					}
				case schema.TypeExpense:
					if _, err = a.Expenses.Load(ctx, owner, false); err == nil {
						err = a.Expenses.Delete(ctx, args[0])
					}
				case schema.TypeReminder:
					if _, err = a.Reminders.Load(ctx, owner, false); err == nil {
						err = a.Reminders.Delete(ctx, args[0])
					}
				}
				if err != nil {
					return err
				}
				printSaved(cmd, "Deleted "+string(t), args[0], a)
				return nil
			})
		},
	}
}

func init() {
	taskAddCmd.Flags().String("title", "", "task title")
	taskAddCmd.Flags().String("description", "", "task description")
	taskAddCmd.Flags().IntP("priority", "p", 2, "priority (0 = highest, 4 = lowest)")
	taskAddCmd.Flags().String("due", "", `due time ("friday 5pm", "2026-11-01", RFC 3339)`)

	expenseAddCmd.Flags().String("item", "", "what was bought")
	expenseAddCmd.Flags().Float64("amount", 0, "amount spent")
	expenseAddCmd.Flags().String("category", "", "category")
	expenseAddCmd.Flags().String("at", "", "when it was spent (default: now)")

	reminderAddCmd.Flags().String("title", "", "reminder title")
	reminderAddCmd.Flags().String("notes", "", "notes")
	reminderAddCmd.Flags().String("at", "", `when to remind ("tomorrow 9am", "in 2 hours")`)

	for _, list := range []*cobra.Command{taskListCmd, expenseListCmd, reminderListCmd} {
		list.Flags().Bool("refresh", false, "fetch from the remote store even if the cache is fresh")
	}

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskDoneCmd, removeCmd(schema.TypeTask))
	expenseCmd.AddCommand(expenseAddCmd, expenseListCmd, removeCmd(schema.TypeExpense))
	reminderCmd.AddCommand(reminderAddCmd, reminderListCmd, reminderDoneCmd, removeCmd(schema.TypeReminder))
	rootCmd.AddCommand(taskCmd, expenseCmd, reminderCmd)
}
