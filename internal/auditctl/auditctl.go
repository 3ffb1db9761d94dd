// Package auditctl implements the compliance command line: integrity checks,
// audit reports and the security alert list, run directly against the audit
// store.
package auditctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
)

// ErrTampered is returned by verify when the stored hash does not match.
var ErrTampered = errors.New("audit log failed integrity check")

// AuditConsole is the part of the audit logger the CLI drives.
type AuditConsole interface {
	VerifyLogIntegrity(ctx context.Context, id string) (models.IntegrityResult, error)
	GenerateAuditReport(ctx context.Context, start, end time.Time, filters models.ReportFilters) (*models.AuditReport, error)
	LogSystemEvent(ctx context.Context, action string, outcome models.Outcome, md map[string]any) bool
}

// Backend is what a command needs once connected. Archiver may be nil.
type Backend struct {
	Audit    AuditConsole
	Alerts   store.AlertStore
	Archiver services.ReportArchiver
}

// Opener connects to the configured stores. The returned func releases them.
type Opener func(ctx context.Context) (*Backend, func(), error)

type app struct {
	open    Opener
	timeout time.Duration
	json    bool
	stdout  io.Writer
}

func NewRootCommand(open Opener) *cobra.Command {
	return NewRootCommandWithIO(open, os.Stdout)
}

func NewRootCommandWithIO(open Opener, out io.Writer) *cobra.Command {
	a := &app{open: open, stdout: out}
	cmd := &cobra.Command{
		Use:           "auditctl",
		Short:         "Inspect and verify the HIPAA audit trail",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", time.Minute, "overall command timeout")
	cmd.PersistentFlags().BoolVar(&a.json, "json", false, "print JSON instead of text")

	cmd.AddCommand(
		newVerifyCmd(a),
		newReportCmd(a),
		newAlertsCmd(a),
	)
	return cmd
}

// run connects, runs fn and releases the backend.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, b *Backend) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	b, closeFn, err := a.open(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer closeFn()
	return fn(ctx, b)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <log-id>",
		Short: "Recompute the integrity hash of one audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return a.run(cmd, func(ctx context.Context, b *Backend) error {
				res, err := b.Audit.VerifyLogIntegrity(ctx, id)
				if err != nil {
					return err
				}
				outcome := models.OutcomeSuccess
				if !res.Valid {
					outcome = models.OutcomeWarning
				}
				b.Audit.LogSystemEvent(ctx, "auditctl_log_verified", outcome, map[string]any{"audit_event_id": id, "valid": res.Valid})

				if a.json {
					if err := a.printJSON(res); err != nil {
						return err
					}
				} else if res.Valid {
					fmt.Fprintf(a.stdout, "VALID     %s\n", res.LogID)
				} else {
					fmt.Fprintf(a.stdout, "INVALID   %s  %s\n", id, res.Error)
				}
				if !res.Valid {
					return fmt.Errorf("%w: %s", ErrTampered, res.Error)
				}
				return nil
			})
		},
	}
}

type reportFlags struct {
	from, to   string
	user       string
	eventTypes []string
	minRisk    string
	phi        string
	archive    bool
}

func newReportCmd(a *app) *cobra.Command {
	var f reportFlags
	cmd := &cobra.Command{
		Use:   "report --from <time> --to <time>",
		Short: "Generate an audit report for a time range",
		Long: `Generate an audit report for a time range.

Times are RFC 3339 or a plain date (2026-03-01). A plain --to date covers
the whole day.

Examples:

  auditctl report --from 2026-03-01 --to 2026-03-31
  auditctl report --from 2026-03-01 --to 2026-03-31 --event-type phi_access --phi=true
  auditctl report --from 2026-03-01 --to 2026-03-31 --min-risk high --archive`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, to, filters, err := f.parse()
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, b *Backend) error {
				report, err := b.Audit.GenerateAuditReport(ctx, from, to, filters)
				if err != nil {
					return err
				}
				md := map[string]any{
					"from":   from.UTC().Format(time.RFC3339),
					"to":     to.UTC().Format(time.RFC3339),
					"events": report.Summary.TotalEvents,
				}

				var archived *services.ArchivedReport
				if f.archive {
					if b.Archiver == nil {
						return services.ErrArchiveDisabled
					}
					archived, err = b.Archiver.ArchiveReport(ctx, report)
					if err != nil {
						b.Audit.LogSystemEvent(ctx, "auditctl_report_archive_failed", models.OutcomeFailure, md)
						return fmt.Errorf("archive report: %w", err)
					}
					md["archive_public_id"] = archived.PublicID
				}
				b.Audit.LogSystemEvent(ctx, "auditctl_report_generated", models.OutcomeSuccess, md)

				if a.json {
					return a.printJSON(struct {
						Report  *models.AuditReport      `json:"report"`
						Archive *services.ArchivedReport `json:"archive,omitempty"`
					}{report, archived})
				}
				printSummary(a.stdout, report)
				if archived != nil {
					fmt.Fprintf(a.stdout, "\nArchived to %s (sha256 %s)\n", archived.URL, archived.SHA256)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.from, "from", "", "start of the range (inclusive)")
	cmd.Flags().StringVar(&f.to, "to", "", "end of the range (inclusive)")
	cmd.Flags().StringVar(&f.user, "user", "", "only events for this user id")
	cmd.Flags().StringSliceVar(&f.eventTypes, "event-type", nil, "only these event types (repeatable or comma separated)")
	cmd.Flags().StringVar(&f.minRisk, "min-risk", "", "minimum risk level: low, medium, high, critical")
	cmd.Flags().StringVar(&f.phi, "phi", "", "true or false to filter on PHI access")
	cmd.Flags().BoolVar(&f.archive, "archive", false, "upload the report to the archive store")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (f reportFlags) parse() (time.Time, time.Time, models.ReportFilters, error) {
	var filters models.ReportFilters
	from, _, err := parseTime(f.from)
	if err != nil {
		return time.Time{}, time.Time{}, filters, fmt.Errorf("--from: %w", err)
	}
	to, dateOnly, err := parseTime(f.to)
	if err != nil {
		return time.Time{}, time.Time{}, filters, fmt.Errorf("--to: %w", err)
	}
	if dateOnly {
		to = to.Add(24*time.Hour - time.Nanosecond)
	}

	filters.UserID = strings.TrimSpace(f.user)
	for _, raw := range f.eventTypes {
		t := models.EventType(strings.TrimSpace(raw))
		if !t.Valid() {
			return time.Time{}, time.Time{}, filters, fmt.Errorf("unknown event type %q", t)
		}
		filters.EventTypes = append(filters.EventTypes, t)
	}
	if f.minRisk != "" {
		level, err := models.ParseRiskLevel(f.minRisk)
		if err != nil {
			return time.Time{}, time.Time{}, filters, err
		}
		filters.MinRiskLevel = level
	}
	switch strings.ToLower(f.phi) {
	case "":
	case "true":
		v := true
		filters.PHIAccessed = &v
	case "false":
		v := false
		filters.PHIAccessed = &v
	default:
		return time.Time{}, time.Time{}, filters, errors.New("--phi must be true or false")
	}
	return from, to, filters, nil
}

// parseTime accepts RFC 3339 or YYYY-MM-DD (UTC midnight).
func parseTime(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, true, nil
}

func printSummary(w io.Writer, r *models.AuditReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Period\t%s .. %s\n", r.StartDate.UTC().Format(time.RFC3339), r.EndDate.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Total events\t%d\n", r.Summary.TotalEvents)
	fmt.Fprintf(tw, "High risk\t%d\n", r.Summary.HighRiskEvents)
	fmt.Fprintf(tw, "PHI access\t%d\n", r.Summary.PHIAccessEvents)
	fmt.Fprintf(tw, "Failed\t%d\n", r.Summary.FailedEvents)
	fmt.Fprintf(tw, "Unique users\t%d\n", r.Summary.UniqueUsers)
	_ = tw.Flush()
}

func newAlertsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List the most recent security alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}
			return a.run(cmd, func(ctx context.Context, b *Backend) error {
				alerts, err := b.Alerts.Recent(ctx, limit)
				if err != nil {
					return err
				}
				if a.json {
					if alerts == nil {
						alerts = []models.SecurityAlert{}
					}
					return a.printJSON(alerts)
				}
				if len(alerts) == 0 {
					fmt.Fprintln(a.stdout, "No security alerts.")
					return nil
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CREATED\tRISK\tTYPE\tUSER\tEVENT")
				for _, al := range alerts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						al.CreatedAt.UTC().Format(time.RFC3339), al.RiskLevel, al.AlertType, dash(al.UserID), al.EventID)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of alerts to show")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
