package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-accounts/internal/ledger"
)

// LedgerOps is the subset of the ledger service used by operator commands.
type LedgerOps interface {
	EnsureCoreAccounts(ctx context.Context, names ledger.CoreAccountNames) (ledger.CoreAccounts, error)
	SweepExpired(ctx context.Context, in ledger.SweepInput) (ledger.SweepReport, error)
	GenerateCode(ctx context.Context) (string, error)
	Close(ctx context.Context, accountID int64, actor *ledger.Actor) (ledger.Account, error)
	Freeze(ctx context.Context, accountID int64, actor *ledger.Actor) (ledger.Account, error)
	Thaw(ctx context.Context, accountID int64, actor *ledger.Actor) (ledger.Account, error)
	MaxRefund(ctx context.Context, reference string) (decimal.Decimal, error)
}

// LedgerCLI runs operator commands against the ledger.
type LedgerCLI struct {
	ops   LedgerOps
	names ledger.CoreAccountNames
}

// NewLedgerCLI wires the commands to a ledger service.
func NewLedgerCLI(ops LedgerOps, names ledger.CoreAccountNames) (*LedgerCLI, error) {
	if ops == nil {
		return nil, errors.New("ledger cli: service not configured")
	}
	return &LedgerCLI{ops: ops, names: names}, nil
}

// Output selects where commands write.
type Output struct {
	JSON   bool
	Stdout io.Writer
	Stderr io.Writer
}

func (o *Output) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

func (o Output) fail(cmd string, err error) int {
	_, _ = fmt.Fprintf(o.Stderr, "%s: %v\n", cmd, err)
	if errors.Is(err, ledger.ErrUnexpected) {
		return 1
	}
	return 2
}

func (o Output) encode(cmd string, v any) int {
	if err := json.NewEncoder(o.Stdout).Encode(v); err != nil {
		_, _ = fmt.Fprintf(o.Stderr, "%s: encode json: %v\n", cmd, err)
		return 1
	}
	return 0
}

// InitCommand creates the core accounts and prints their ids.
func (c *LedgerCLI) InitCommand(ctx context.Context, out Output) int {
	out.defaults()
	core, err := c.ops.EnsureCoreAccounts(ctx, c.names)
	if err != nil {
		return out.fail("init", err)
	}
	rows := []ledger.Account{core.Bank, core.UnpaidSource, core.Redemptions, core.Lapsed}
	if out.JSON {
		view := make(map[string]int64, len(rows))
		for _, a := range rows {
			view[a.Name] = a.ID
		}
		return out.encode("init", view)
	}
	for _, a := range rows {
		_, _ = fmt.Fprintf(out.Stdout, "%-24s id=%d\n", a.Name, a.ID)
	}
	return 0
}

// SweepOptions configures the sweep command.
type SweepOptions struct {
	Output
	AsOf string
}

type sweepSummary struct {
	RunID   string             `json:"run_id"`
	Closed  int                `json:"closed"`
	Skipped int                `json:"skipped"`
	Failed  int                `json:"failed"`
	Results []sweepResultEntry `json:"results"`
}

type sweepResultEntry struct {
	AccountID int64  `json:"account_id"`
	Code      string `json:"code,omitempty"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
	Result    string `json:"result"`
	Error     string `json:"error,omitempty"`
}

// SweepCommand runs the expiry sweep synchronously. Exit code 10 signals that
// some accounts could not be swept.
func (c *LedgerCLI) SweepCommand(ctx context.Context, opts SweepOptions) int {
	opts.defaults()
	now := time.Now().UTC()
	if strings.TrimSpace(opts.AsOf) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(opts.AsOf))
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "sweep: invalid --as-of %q (expected RFC3339)\n", opts.AsOf)
			return 2
		}
		now = parsed
	}
	core, err := c.ops.EnsureCoreAccounts(ctx, c.names)
	if err != nil {
		return opts.fail("sweep", err)
	}
	report, err := c.ops.SweepExpired(ctx, ledger.SweepInput{Now: now, LapsedAccountID: core.Lapsed.ID})
	if err != nil {
		return opts.fail("sweep", err)
	}
	code := 0
	if report.Failed > 0 {
		code = 10
	}
	if opts.JSON {
		if rc := opts.encode("sweep", buildSweepSummary(report)); rc != 0 {
			return rc
		}
		return code
	}
	renderSweepHuman(opts.Stdout, report)
	return code
}

func buildSweepSummary(report ledger.SweepReport) sweepSummary {
	summary := sweepSummary{
		RunID:   report.RunID,
		Closed:  report.Closed,
		Skipped: report.Skipped,
		Failed:  report.Failed,
		Results: make([]sweepResultEntry, 0, len(report.Results)),
	}
	for _, r := range report.Results {
		entry := sweepResultEntry{
			AccountID: r.AccountID,
			Code:      r.Code,
			Amount:    r.Amount.StringFixed(ledger.AmountScale),
			Reference: r.Reference,
			Result:    sweepOutcome(r),
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		summary.Results = append(summary.Results, entry)
	}
	return summary
}

func sweepOutcome(r ledger.SweepResult) string {
	switch {
	case r.Err != nil:
		return "failed"
	case r.Skipped:
		return "skipped"
	default:
		return "closed"
	}
}

func renderSweepHuman(out io.Writer, report ledger.SweepReport) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	_, _ = fmt.Fprintf(out, "Expiry sweep %s\n", report.RunID)
	for _, r := range report.Results {
		label := fmt.Sprintf("account %d", r.AccountID)
		if r.Code != "" {
			label += " (" + r.Code + ")"
		}
		switch sweepOutcome(r) {
		case "failed":
			_, _ = red.Fprintf(out, "  FAIL  %s: %s\n", label, ledger.ReasonCode(r.Err))
		case "skipped":
			_, _ = yellow.Fprintf(out, "  SKIP  %s\n", label)
		default:
			_, _ = green.Fprintf(out, "  DONE  %s moved %s %s\n", label, r.Amount.StringFixed(ledger.AmountScale), r.Reference)
		}
	}
	_, _ = fmt.Fprintf(out, "closed=%d skipped=%d failed=%d\n", report.Closed, report.Skipped, report.Failed)
}

// GenCodeCommand prints a fresh unused account code.
func (c *LedgerCLI) GenCodeCommand(ctx context.Context, out Output) int {
	out.defaults()
	code, err := c.ops.GenerateCode(ctx)
	if err != nil {
		return out.fail("gen-code", err)
	}
	if out.JSON {
		return out.encode("gen-code", map[string]string{"code": code})
	}
	_, _ = fmt.Fprintln(out.Stdout, code)
	return 0
}

// StatusOptions configures close, freeze and thaw.
type StatusOptions struct {
	Output
	Action    string
	AccountID int64
	ActorID   int64
	Username  string
}

// StatusCommand applies a lifecycle transition to one account.
func (c *LedgerCLI) StatusCommand(ctx context.Context, opts StatusOptions) int {
	opts.defaults()
	if opts.AccountID <= 0 {
		_, _ = fmt.Fprintf(opts.Stderr, "%s: account id is required and must be positive\n", opts.Action)
		return 2
	}
	var actor *ledger.Actor
	if opts.ActorID > 0 || opts.Username != "" {
		actor = &ledger.Actor{ID: opts.ActorID, Username: opts.Username}
	}
	var transition func(context.Context, int64, *ledger.Actor) (ledger.Account, error)
	switch opts.Action {
	case "close":
		transition = c.ops.Close
	case "freeze":
		transition = c.ops.Freeze
	case "thaw":
		transition = c.ops.Thaw
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "unsupported account action %q\n", opts.Action)
		return 2
	}
	account, err := transition(ctx, opts.AccountID, actor)
	if err != nil {
		return opts.fail(opts.Action, err)
	}
	if opts.JSON {
		return opts.encode(opts.Action, map[string]any{"id": account.ID, "status": account.Status})
	}
	_, _ = fmt.Fprintf(opts.Stdout, "account %d is %s\n", account.ID, account.Status)
	return 0
}

// MaxRefundCommand prints the remaining refundable amount of a transfer.
func (c *LedgerCLI) MaxRefundCommand(ctx context.Context, reference string, out Output) int {
	out.defaults()
	reference = strings.TrimSpace(reference)
	if reference == "" {
		_, _ = fmt.Fprintln(out.Stderr, "max-refund: transfer reference is required")
		return 2
	}
	amount, err := c.ops.MaxRefund(ctx, reference)
	if err != nil {
		return out.fail("max-refund", err)
	}
	if out.JSON {
		return out.encode("max-refund", map[string]string{"reference": reference, "max_refund": amount.StringFixed(ledger.AmountScale)})
	}
	_, _ = fmt.Fprintln(out.Stdout, amount.StringFixed(ledger.AmountScale))
	return 0
}
