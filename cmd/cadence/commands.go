package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/config"
	"github.com/kalambet/cadence/internal/meeting"
	"github.com/kalambet/cadence/internal/outreach"
	"github.com/kalambet/cadence/internal/sequence"
	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/tracker"
)

var jsonOutput bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")
}

func parseContactID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid contact id %q", s)
	}
	return id, nil
}

// fetch GETs path and decodes the response into v.
func fetch(ctx context.Context, c *apiClient, path string, v any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

// submit POSTs body to path and decodes the response into v.
func submit(ctx context.Context, c *apiClient, path string, body, v any) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

// --- cadences ---

var cadencesCmd = &cobra.Command{
	Use:   "cadences",
	Short: "List available cadence templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var cds []cadence.Cadence
		if err := fetch(cmd.Context(), client, "/cadences", &cds); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, cds)
		}
		writeCadences(os.Stdout, cds)
		return nil
	},
}

func writeCadences(w io.Writer, cds []cadence.Cadence) {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tTOUCHES\tSCHEDULE")
	for _, cd := range cds {
		steps := make([]string, len(cd.Steps))
		for i, s := range cd.Steps {
			steps[i] = fmt.Sprintf("d%d:%s/v%d", s.DayOffset, s.Type, s.Variant)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", colorize(colorBold, cd.Name), len(cd.Steps), strings.Join(steps, " "))
	}
	tw.Flush()
}

// --- sequence ---

var sequenceCmd = &cobra.Command{
	Use:   "sequence",
	Short: "Start, stop and inspect contact sequences",
}

var sequenceStartCmd = &cobra.Command{
	Use:   "start <contact-id>",
	Short: "Start a sequence for a contact",
	Long: `Start a sequence for a contact.

Examples:
  cadence sequence start 42
  cadence sequence start 42 --cadence aggressive`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseContactID(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("cadence")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var started sequence.Started
		body := map[string]any{"contact_id": id, "cadence": name}
		if err := submit(cmd.Context(), client, "/sequences", body, &started); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, started)
		}
		printSuccess("Started %s sequence %s for contact %d", started.Sequence.CadenceName, started.Sequence.ID, id)
		writeTouches(os.Stdout, started.Touches)
		return nil
	},
}

var sequenceStopCmd = &cobra.Command{
	Use:   "stop <contact-id>",
	Short: "Stop a contact's active sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseContactID(args[0])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var seq storage.Sequence
		if err := submit(cmd.Context(), client, fmt.Sprintf("/sequences/%d/stop", id), map[string]string{"reason": reason}, &seq); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, seq)
		}
		printSuccess("Stopped sequence %s (%s)", seq.ID, seq.StopReason)
		return nil
	},
}

var sequenceShowCmd = &cobra.Command{
	Use:   "show <contact-id>",
	Short: "Show a contact's sequence and its touches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseContactID(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var view sequence.View
		if err := fetch(cmd.Context(), client, fmt.Sprintf("/sequences/%d", id), &view); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, view)
		}
		s := view.Sequence
		fmt.Printf("%s %s  %s  step %d/%d  started %s\n",
			colorize(colorBold, "Sequence"), s.ID, statusColor(string(s.Status)),
			s.CurrentStep, s.TotalSteps, s.StartedAt.Format("2006-01-02 15:04"))
		if s.StopReason != "" {
			fmt.Printf("  stopped: %s\n", s.StopReason)
		}
		writeTouches(os.Stdout, view.Touches)
		return nil
	},
}

var sequenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sequences with progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var seqs []storage.SequenceProgress
		if err := fetch(cmd.Context(), client, "/sequences/active", &seqs); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, seqs)
		}
		if len(seqs) == 0 {
			fmt.Println("No active sequences.")
			return nil
		}
		tw := newTable(os.Stdout)
		fmt.Fprintln(tw, "CONTACT\tCADENCE\tDONE\tPENDING\tSTARTED")
		for _, p := range seqs {
			fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%d\t%s\n", p.ContactID, p.CadenceName,
				p.ExecutedTouches, p.TotalSteps, p.PendingTouches, p.StartedAt.Format("2006-01-02"))
		}
		return tw.Flush()
	},
}

func init() {
	sequenceStartCmd.Flags().String("cadence", "standard", "cadence template name")
	sequenceStopCmd.Flags().String("reason", "manual", "why the sequence is stopped")
	sequenceCmd.AddCommand(sequenceStartCmd)
	sequenceCmd.AddCommand(sequenceStopCmd)
	sequenceCmd.AddCommand(sequenceShowCmd)
	sequenceCmd.AddCommand(sequenceListCmd)
}

func writeTouches(w io.Writer, touches []storage.Touch) {
	tw := newTable(w)
	fmt.Fprintln(tw, "#\tTYPE\tVARIANT\tSCHEDULED\tSTATUS")
	for _, t := range touches {
		variant := strconv.Itoa(t.VariantNumber)
		if t.VariantUsed != 0 && t.VariantUsed != t.VariantNumber {
			variant = fmt.Sprintf("%d→%d", t.VariantNumber, t.VariantUsed)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.TouchNumber, t.Type, variant,
			t.ScheduledFor.Format("Mon 2006-01-02 15:04"), statusColor(string(t.Status)))
	}
	tw.Flush()
}

// --- touches ---

var touchesCmd = &cobra.Command{
	Use:   "touches",
	Short: "List and execute due touches",
}

var touchesDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List touches due now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var due []storage.Touch
		if err := fetch(cmd.Context(), client, "/touches/due", &due); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, due)
		}
		if len(due) == 0 {
			fmt.Println("No touches due.")
			return nil
		}
		tw := newTable(os.Stdout)
		fmt.Fprintln(tw, "CONTACT\t#\tTYPE\tVARIANT\tSCHEDULED")
		for _, t := range due {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\n", t.ContactID, t.TouchNumber, t.Type, t.VariantNumber,
				t.ScheduledFor.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var touchesExecuteCmd = &cobra.Command{
	Use:   "execute",
	Short: "Execute due touches (dry run unless --live)",
	RunE: func(cmd *cobra.Command, args []string) error {
		live, _ := cmd.Flags().GetBool("live")
		mode := sequence.ModeDryRun
		if live {
			mode = sequence.ModeLive
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if live {
			printStep("Executing due touches...")
		}
		var rep sequence.Report
		if err := submit(cmd.Context(), client, "/touches/execute", map[string]string{"mode": string(mode)}, &rep); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, rep)
		}
		writeReport(os.Stdout, rep)
		return nil
	},
}

func init() {
	touchesExecuteCmd.Flags().Bool("live", false, "dispatch touches instead of planning them")
	touchesCmd.AddCommand(touchesDueCmd)
	touchesCmd.AddCommand(touchesExecuteCmd)
}

func writeReport(w io.Writer, rep sequence.Report) {
	if len(rep.Results) == 0 {
		fmt.Fprintln(w, "No touches due.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "CONTACT\t#\tTYPE\tVARIANT\tSTATUS\tDETAIL")
	for _, r := range rep.Results {
		detail := r.Subject
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d (%s)\t%s\t%s\n", r.ContactID, r.TouchNumber, r.Type,
			r.Variant, r.VariantSource, statusColor(string(r.Status)), detail)
	}
	tw.Flush()
	st := rep.Stats
	fmt.Fprintf(w, "\n%s: %d due, %d sent, %d ready, %d notified, %d planned, %d skipped, %d failed\n",
		rep.Mode, st.Due, st.Sent, st.Ready, st.Notified, st.Planned, st.Skipped, st.Failed)
}

// --- outcome ---

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Record observed outcomes",
}

var outcomeRecordCmd = &cobra.Command{
	Use:   "record <contact-id> <sent|opened|replied|meeting>",
	Short: "Record an outcome for a contact's touch variant",
	Long: `Record an outcome for a contact's touch variant.

Examples:
  cadence outcome record 42 replied --variant 2
  cadence outcome record 42 meeting --type call --variant 1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseContactID(args[0])
		if err != nil {
			return err
		}
		if _, ok := tracker.ParseOutcome(args[1]); !ok {
			return fmt.Errorf("unknown outcome %q (want sent, opened, replied or meeting)", args[1])
		}
		typ, _ := cmd.Flags().GetString("type")
		vt, err := outreach.ParseTouchType(typ)
		if err != nil {
			return err
		}
		variant, _ := cmd.Flags().GetInt("variant")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res outreach.OutcomeResult
		req := outreach.OutcomeRequest{ContactID: id, VariantType: vt, Variant: variant, Outcome: args[1]}
		if err := submit(cmd.Context(), client, "/outcomes", req, &res); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, res)
		}
		printSuccess("Recorded %s for %s v%d", res.Outcome, vt, variant)
		if r := res.Record; r != nil {
			printStatus("Segment", "%s %s", r.Tier, r.ScoreRange)
			printStatus("Counts", "%d sent, %d opened, %d replied, %d meetings", r.Sent, r.Opened, r.Replied, r.Meetings)
			printStatus("Score", "%.2f", r.Score)
		}
		return nil
	},
}

func init() {
	outcomeRecordCmd.Flags().String("type", "email", "touch type (email or call)")
	outcomeRecordCmd.Flags().Int("variant", 1, "variant number (1-3)")
	outcomeCmd.AddCommand(outcomeRecordCmd)
}

// --- recommend ---

var recommendCmd = &cobra.Command{
	Use:   "recommend <contact-id>",
	Short: "Recommend variants for a contact's segment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseContactID(args[0])
		if err != nil {
			return err
		}
		typ, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/contacts/%d/recommendation", id)
		if typ != "" {
			var rec tracker.Recommendation
			if err := fetch(cmd.Context(), client, path+"?type="+url.QueryEscape(typ), &rec); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, rec)
			}
			writeRecommendation(os.Stdout, rec)
			return nil
		}

		var recs outreach.ContactRecommendations
		if err := fetch(cmd.Context(), client, path, &recs); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, recs)
		}
		fmt.Printf("Contact %d (%s, score %.0f)\n", recs.ContactID, recs.Tier, recs.Score)
		writeRecommendation(os.Stdout, recs.Email)
		writeRecommendation(os.Stdout, recs.Call)
		for _, in := range recs.Insights {
			fmt.Printf("  %s %s\n", colorize(colorCyan, "insight:"), in.Text)
		}
		return nil
	},
}

func init() {
	recommendCmd.Flags().String("type", "", "only recommend this touch type (email or call)")
}

func writeRecommendation(w io.Writer, rec tracker.Recommendation) {
	fmt.Fprintf(w, "  %-5s v%d  [%s confidence]  %s\n", rec.VariantType, rec.Variant, rec.Confidence, rec.Evidence)
}

// --- meeting ---

var meetingCmd = &cobra.Command{
	Use:   "meeting <contact-id>",
	Short: "Propose meeting times for a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseContactID(args[0])
		if err != nil {
			return err
		}
		n, _ := cmd.Flags().GetInt("count")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var opts []meeting.Option
		if err := fetch(cmd.Context(), client, fmt.Sprintf("/contacts/%d/meeting-times?n=%d", id, n), &opts); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, opts)
		}
		for _, o := range opts {
			fmt.Printf("  %d. %s UTC\n", o.Priority, o.Formatted)
		}
		return nil
	},
}

func init() {
	meetingCmd.Flags().Int("count", meeting.MaxOptions, "number of slots to propose (1-3)")
}

// --- insights ---

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Show learning insights",
	RunE: func(cmd *cobra.Command, args []string) error {
		minConf, _ := cmd.Flags().GetFloat64("min-confidence")
		summary, _ := cmd.Flags().GetBool("summary")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if summary {
			var sum tracker.Summary
			if err := fetch(cmd.Context(), client, "/learning/summary", &sum); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, sum)
			}
			writeLearningSummary(os.Stdout, sum)
			return nil
		}

		var ins []storage.Insight
		path := "/insights?min_confidence=" + strconv.FormatFloat(minConf, 'f', -1, 64)
		if err := fetch(cmd.Context(), client, path, &ins); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, ins)
		}
		if len(ins) == 0 {
			fmt.Println("No insights yet.")
			return nil
		}
		for _, in := range ins {
			fmt.Printf("[%.0f%%] %s\n", in.Confidence*100, in.Text)
		}
		return nil
	},
}

func init() {
	insightsCmd.Flags().Float64("min-confidence", 0.5, "minimum insight confidence (0-1)")
	insightsCmd.Flags().Bool("summary", false, "show the learning summary instead")
}

func writeLearningSummary(w io.Writer, sum tracker.Summary) {
	fmt.Fprintf(w, "%s %d segments, %d sent, %d replied, %d meetings\n",
		colorize(colorBold, "Learning:"), sum.Segments, sum.TotalSent, sum.TotalReplied, sum.TotalMeetings)
	if len(sum.TopPerformers) > 0 {
		tw := newTable(w)
		fmt.Fprintln(tw, "TYPE\tVARIANT\tSEGMENT\tSENT\tREPLIED\tSCORE")
		for _, r := range sum.TopPerformers {
			fmt.Fprintf(tw, "%s\tv%d\t%s %s\t%d\t%d\t%.2f\n", r.VariantType, r.VariantNumber, r.Tier, r.ScoreRange, r.Sent, r.Replied, r.Score)
		}
		tw.Flush()
	}
	for _, in := range sum.Insights {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorCyan, "insight:"), in.Text)
	}
}

// --- activity ---

var activityCmd = &cobra.Command{
	Use:   "activity [contact-id]",
	Short: "Show activity stats, or one contact's history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			id, err := parseContactID(args[0])
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			var acts []storage.Activity
			if err := fetch(cmd.Context(), client, fmt.Sprintf("/contacts/%d/activities?limit=%d", id, limit), &acts); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, acts)
			}
			if len(acts) == 0 {
				fmt.Println("No activity recorded.")
				return nil
			}
			for _, a := range acts {
				fmt.Printf("%s  %-16s %-6s %s\n", a.CreatedAt.Format("2006-01-02 15:04"), a.Type, a.Channel, a.Status)
			}
			return nil
		}

		var report outreach.ActivityReport
		if err := fetch(cmd.Context(), client, "/activity/stats", &report); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, report)
		}
		printStatus("Activities", "%d", report.Total)
		types := make([]string, 0, len(report.ByType))
		for t := range report.ByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			printStatus("  "+t, "%d", report.ByType[t])
		}
		rr := report.ResponseRate
		printStatus("Response rate", "%.1f%% (%d of %d contacted)", rr.Percentage, rr.Responded, rr.Contacted)
		return nil
	},
}

func init() {
	activityCmd.Flags().Int("limit", 50, "maximum activities to list")
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the outreach dashboard summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var sum map[string]any
		if err := fetch(cmd.Context(), client, "/summary", &sum); err != nil {
			return err
		}
		return printJSON(os.Stdout, sum)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  ") +
		"\n\nSecrets (API token, SMTP password, Pushover app token) are read from the environment only.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
