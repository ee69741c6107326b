package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reportsched/internal/api/client"
	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/scheduler"
)

// Viper keys shared by the CLI.
const (
	KeyAPIURL = "api_url"
	KeyToken  = "token"
)

func newClient() *client.Client {
	return client.New(viper.GetString(KeyAPIURL), viper.GetString(KeyToken))
}

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Short:   "Report schedule management commands",
		Aliases: []string{"schedules", "s"},
	}

	cmd.AddCommand(newScheduleCreateCommand())
	cmd.AddCommand(newScheduleListCommand())
	cmd.AddCommand(newScheduleGetCommand())
	cmd.AddCommand(newScheduleEditCommand())
	cmd.AddCommand(newScheduleToggleCommand("enable", true))
	cmd.AddCommand(newScheduleToggleCommand("disable", false))
	cmd.AddCommand(newScheduleDeleteCommand())
	cmd.AddCommand(newScheduleHistoryCommand())
	cmd.AddCommand(newScheduleDueCommand())
	cmd.AddCommand(newScheduleRunCommand())

	return cmd
}

type scheduleFlags struct {
	templateID  uint
	name        string
	frequency   string
	timeOfDay   string
	timezone    string
	recipients  []string
	method      string
	webhookURL  string
	includeFile bool
}

func (f *scheduleFlags) register(cmd *cobra.Command) {
	cmd.Flags().UintVar(&f.templateID, "template", 0, "Report template ID")
	cmd.Flags().StringVar(&f.name, "name", "", "Schedule name")
	cmd.Flags().StringVar(&f.frequency, "frequency", "", "daily, weekly, monthly, quarterly or yearly")
	cmd.Flags().StringVar(&f.timeOfDay, "time", "", "Local time of day as HH:MM")
	cmd.Flags().StringVar(&f.timezone, "timezone", "", "IANA time zone, e.g. Europe/Berlin")
	cmd.Flags().StringSliceVar(&f.recipients, "recipient", nil, "Email recipient (repeatable)")
	cmd.Flags().StringVar(&f.method, "delivery", "", "email, webhook or download")
	cmd.Flags().StringVar(&f.webhookURL, "webhook-url", "", "Webhook URL for webhook delivery")
	cmd.Flags().BoolVar(&f.includeFile, "include-file", false, "Attach the rendered report file")
}

// apply overlays the flags the user set onto in.
func (f *scheduleFlags) apply(cmd *cobra.Command, in *client.ScheduleInput) {
	changed := cmd.Flags().Changed
	if changed("template") {
		in.TemplateID = f.templateID
	}
	if changed("name") {
		in.Name = f.name
	}
	if changed("frequency") {
		in.Frequency = models.Frequency(f.frequency)
	}
	if changed("time") {
		in.TimeOfDay = f.timeOfDay
	}
	if changed("timezone") {
		in.Timezone = f.timezone
	}
	if changed("recipient") {
		in.Recipients = f.recipients
	}
	if changed("delivery") {
		in.DeliveryMethod = models.DeliveryMethod(f.method)
	}
	if changed("webhook-url") {
		in.WebhookURL = f.webhookURL
	}
	if changed("include-file") {
		in.IncludeFile = f.includeFile
	}
}

func newScheduleCreateCommand() *cobra.Command {
	var flags scheduleFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a report schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := client.ScheduleInput{Config: scheduler.Config{Timezone: "UTC", DeliveryMethod: models.DeliveryEmail}}
			flags.apply(cmd, &in)

			s, err := newClient().CreateSchedule(cmd.Context(), in)
			if err != nil {
				return describe(err, "failed to create schedule")
			}
			printSchedule(cmd.OutOrStdout(), s)
			return nil
		},
	}

	flags.register(cmd)
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("frequency")
	_ = cmd.MarkFlagRequired("time")
	return cmd
}

func newScheduleListCommand() *cobra.Command {
	var (
		userID uint
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List report schedules",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().ListSchedules(cmd.Context(), userID, limit, offset)
			if err != nil {
				return describe(err, "failed to list schedules")
			}

			out := cmd.OutOrStdout()
			printScheduleTable(out, list.Schedules)
			fmt.Fprintf(out, "%d of %d schedules\n", len(list.Schedules), list.Total)
			return nil
		},
	}

	cmd.Flags().UintVar(&userID, "user", 0, "Only this user's schedules (admins only)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of schedules")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of schedules to skip")
	return cmd
}

func newScheduleGetCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get [schedule_id]",
		Short: "Show a report schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := newClient().GetSchedule(cmd.Context(), id)
			if err != nil {
				return describe(err, "failed to get schedule")
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printSchedule(cmd.OutOrStdout(), s)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newScheduleEditCommand() *cobra.Command {
	var flags scheduleFlags

	cmd := &cobra.Command{
		Use:   "edit [schedule_id]",
		Short: "Change a report schedule; unset flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			c := newClient()
			current, err := c.GetSchedule(cmd.Context(), id)
			if err != nil {
				return describe(err, "failed to get schedule")
			}
			in := client.ScheduleInput{
				TemplateID: current.TemplateID,
				Name:       current.Name,
				Config: scheduler.Config{
					Frequency:      current.Frequency,
					TimeOfDay:      current.TimeOfDay,
					Timezone:       current.Timezone,
					Recipients:     current.Recipients,
					DeliveryMethod: current.DeliveryMethod,
					WebhookURL:     current.WebhookURL,
					IncludeFile:    current.IncludeFile,
				},
			}
			flags.apply(cmd, &in)

			s, err := c.EditSchedule(cmd.Context(), id, in)
			if err != nil {
				return describe(err, "failed to edit schedule")
			}
			printSchedule(cmd.OutOrStdout(), s)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newScheduleToggleCommand(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [schedule_id]",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a report schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := newClient().SetEnabled(cmd.Context(), id, enabled)
			if err != nil {
				return describe(err, "failed to "+use+" schedule")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %d %s, next run %s\n", s.ID, s.Status, formatTime(s.NextRunAt))
			return nil
		},
	}
}

func newScheduleDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete [schedule_id]",
		Short:   "Delete a report schedule",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := newClient().DeleteSchedule(cmd.Context(), id); err != nil {
				return describe(err, "failed to delete schedule")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %d deleted\n", id)
			return nil
		},
	}
}

func newScheduleHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [schedule_id]",
		Short: "Show recent executions of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			execs, err := newClient().ListExecutions(cmd.Context(), id, limit)
			if err != nil {
				return describe(err, "failed to list executions")
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "EXECUTION\tSCHEDULED FOR\tSTATUS\tWORKER\tREASON")
			for _, e := range execs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.ID,
					e.ScheduledFor.Format(time.RFC3339),
					e.Status,
					e.WorkerID,
					e.Reason,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of executions")
	return cmd
}

func newScheduleDueCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "due",
		Short: "List schedules due now or at --at (admins only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return errors.Wrap(err, "invalid --at")
				}
				when = t
			}
			due, err := newClient().ListDue(cmd.Context(), when)
			if err != nil {
				return describe(err, "failed to list due schedules")
			}
			printScheduleTable(cmd.OutOrStdout(), due)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Reference time (RFC3339)")
	return cmd
}

func newScheduleRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [schedule_id]",
		Short: "Execute a due schedule now (admins only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			out, err := newClient().Execute(cmd.Context(), id)
			if err != nil {
				return describe(err, "failed to execute schedule")
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Schedule %d: %s", out.ScheduleID, out.Status)
			if out.Reason != "" {
				fmt.Fprintf(w, " (%s)", out.Reason)
			}
			fmt.Fprintln(w)
			if out.Status != scheduler.OutcomeSkipped {
				fmt.Fprintf(w, "Execution: %s\nNext run:  %s\n", out.ExecutionID, out.NextRunAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, errors.Newf("invalid schedule ID %q", arg)
	}
	return uint(id), nil
}

// describe adds field-level validation messages to API errors.
func describe(err error, msg string) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && len(apiErr.Fields) > 0 {
		parts := make([]string, 0, len(apiErr.Fields))
		for _, f := range apiErr.Fields {
			parts = append(parts, f.Field+": "+f.Message)
		}
		return errors.Newf("%s: %s", msg, strings.Join(parts, "; "))
	}
	return errors.Wrap(err, msg)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func printScheduleTable(out io.Writer, scheds []models.ReportSchedule) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFREQUENCY\tTIME\tTIMEZONE\tDELIVERY\tSTATUS\tNEXT RUN\tRUNS\tFAILED")
	for _, s := range scheds {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.ID,
			s.Name,
			s.Frequency,
			s.TimeOfDay,
			s.Timezone,
			s.DeliveryMethod,
			s.Status,
			formatTime(s.NextRunAt),
			s.RunCount,
			s.FailureCount,
		)
	}
	w.Flush()
}

func printSchedule(out io.Writer, s *models.ReportSchedule) {
	fmt.Fprintf(out, "ID:          %d\n", s.ID)
	fmt.Fprintf(out, "Name:        %s\n", s.Name)
	fmt.Fprintf(out, "Template:    %d\n", s.TemplateID)
	fmt.Fprintf(out, "Recurrence:  %s at %s %s\n", s.Frequency, s.TimeOfDay, s.Timezone)
	fmt.Fprintf(out, "Delivery:    %s\n", s.DeliveryMethod)
	if len(s.Recipients) > 0 {
		fmt.Fprintf(out, "Recipients:  %s\n", strings.Join(s.Recipients, ", "))
	}
	if s.WebhookURL != "" {
		fmt.Fprintf(out, "Webhook:     %s\n", s.WebhookURL)
	}
	fmt.Fprintf(out, "Status:      %s\n", s.Status)
	fmt.Fprintf(out, "Next run:    %s\n", formatTime(s.NextRunAt))
	fmt.Fprintf(out, "Last run:    %s\n", formatTime(s.LastRunAt))
	fmt.Fprintf(out, "Runs:        %d (%d ok, %d failed)\n", s.RunCount, s.SuccessCount, s.FailureCount)
	if s.LastError != "" {
		fmt.Fprintf(out, "Last error:  %s\n", s.LastError)
	}
}
