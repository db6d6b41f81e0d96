package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"

	"github.com/netconverge/netconverge/pkg/engine"
	"github.com/netconverge/netconverge/pkg/stores"
)

var (
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)

	kindStyles = map[engine.OperationKind]lipgloss.Style{
		engine.OperationCreate:  okStyle,
		engine.OperationEnable:  okStyle,
		engine.OperationUpdate:  warnStyle,
		engine.OperationReorder: warnStyle,
		engine.OperationSwitch:  warnStyle,
		engine.OperationDelete:  errStyle,
		engine.OperationDisable: errStyle,
	}

	outcomeStyles = map[engine.Outcome]lipgloss.Style{
		engine.OutcomeSuccess:      okStyle,
		engine.OutcomeDryRun:       okStyle,
		engine.OutcomeNotAttempted: mutedStyle,
		engine.OutcomeCancelled:    warnStyle,
		engine.OutcomeFailed:       errStyle,
	}
)

// newTable returns a bordered table with the given headers.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v as YAML using its JSON field names.
func writeYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func renderPlan(w io.Writer, plan *engine.Plan) {
	if plan.IsEmpty() {
		fmt.Fprintf(w, "%s Location %q already matches the desired state.\n",
			okStyle.Render("No changes."), plan.Location)
		renderWarnings(w, plan.Warnings)
		return
	}

	t := newTable("#", "KIND", "TARGET", "ATTRIBUTE", "CHANGE", "COMMAND")
	for i, op := range plan.Ops {
		kind := string(op.Kind)
		if op.Cautious {
			kind += "*"
		}
		t.Row(
			strconv.Itoa(i+1),
			styleKind(op.Kind).Render(kind),
			op.Target,
			op.Attribute,
			describeChange(op),
			op.Command.String(),
		)
	}
	fmt.Fprintln(w, t.String())

	fmt.Fprintf(w, "Plan %s for location %q: %s\n", plan.ID, plan.Location, planSummary(plan))
	if hasCautious(plan) {
		fmt.Fprintln(w, mutedStyle.Render("* current state could not be read; the value is re-asserted"))
	}
	renderWarnings(w, plan.Warnings)
}

func styleKind(kind engine.OperationKind) lipgloss.Style {
	if s, ok := kindStyles[kind]; ok {
		return s
	}
	return cellStyle
}

func describeChange(op engine.ChangeOp) string {
	switch {
	case op.Previous == "" && op.Desired == "":
		return ""
	case op.Previous == "":
		return op.Desired
	case op.Desired == "":
		return op.Previous + " -> (removed)"
	default:
		return op.Previous + " -> " + op.Desired
	}
}

func hasCautious(plan *engine.Plan) bool {
	for _, op := range plan.Ops {
		if op.Cautious {
			return true
		}
	}
	return false
}

// planSummary renders operation counts per kind in a stable order.
func planSummary(plan *engine.Plan) string {
	counts := plan.Summary()
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", counts[engine.OperationKind(kind)], kind))
	}
	return strings.Join(parts, ", ")
}

func renderWarnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("warning:"), msg)
	}
}

// planDiff renders the plan as a unified diff of attribute values, current
// state on the left and desired state on the right.
func planDiff(plan *engine.Plan) (string, error) {
	var current, desired []string
	for _, op := range plan.Ops {
		key := op.Target
		if op.Attribute != "" {
			key += " " + op.Attribute
		}
		if op.Kind != engine.OperationCreate && op.Previous != "" {
			current = append(current, key+" = "+op.Previous+"\n")
		}
		if op.Kind != engine.OperationDelete {
			value := op.Desired
			if value == "" {
				value = string(op.Kind)
			}
			desired = append(desired, key+" = "+value+"\n")
		}
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        current,
		B:        desired,
		FromFile: "current/" + plan.Location,
		ToFile:   "desired/" + plan.Location,
		Context:  1,
	})
}

func renderReport(w io.Writer, report *engine.ApplyReport) {
	if len(report.Results) > 0 {
		t := newTable("#", "OPERATION", "OUTCOME", "ATTEMPTS", "DURATION", "ERROR")
		for i, res := range report.Results {
			t.Row(
				strconv.Itoa(i+1),
				res.Op.ID,
				styleOutcome(res.Outcome).Render(string(res.Outcome)),
				strconv.Itoa(res.Attempts),
				res.Duration.Round(time.Millisecond).String(),
				res.Error,
			)
		}
		fmt.Fprintln(w, t.String())
	}

	status := okStyle
	if !report.Status.IsSuccess() {
		status = errStyle
	}
	fmt.Fprintf(w, "Run %s for location %q: %s (%d applied, %d failed, %d not attempted) in %s\n",
		report.RunID, report.Location, status.Render(string(report.Status)),
		report.Count(engine.OutcomeSuccess), report.Count(engine.OutcomeFailed),
		report.Count(engine.OutcomeNotAttempted), report.Duration.Round(time.Millisecond))
	renderWarnings(w, report.Warnings)
}

func styleOutcome(outcome engine.Outcome) lipgloss.Style {
	if s, ok := outcomeStyles[outcome]; ok {
		return s
	}
	return cellStyle
}

func renderHistory(w io.Writer, records []engine.ChangeRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No ledger entries match."))
		return
	}
	t := newTable("TIME", "RUN", "SEQ", "TARGET", "ATTRIBUTE", "CHANGE", "OUTCOME", "ATTEMPTS")
	for _, rec := range records {
		change := rec.New
		if rec.Previous != "" {
			change = rec.Previous + " -> " + rec.New
		}
		t.Row(
			rec.Timestamp.Local().Format(time.DateTime),
			shortID(rec.RunID),
			strconv.Itoa(rec.Sequence),
			rec.Target,
			rec.Attribute,
			change,
			styleOutcome(rec.Outcome).Render(string(rec.Outcome)),
			strconv.Itoa(rec.Attempts),
		)
	}
	fmt.Fprintln(w, t.String())
}

func renderRuns(w io.Writer, runs []*stores.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No runs recorded."))
		return
	}
	t := newTable("RUN", "LOCATION", "STATUS", "APPLIED", "OPS", "STARTED", "DURATION")
	for _, run := range runs {
		status := okStyle
		if !run.Status.IsSuccess() {
			status = errStyle
		}
		t.Row(
			run.ID,
			run.Location,
			status.Render(string(run.Status)),
			strconv.Itoa(run.Applied),
			strconv.Itoa(run.OpCount),
			run.StartedAt.Local().Format(time.DateTime),
			run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
		)
	}
	fmt.Fprintln(w, t.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
