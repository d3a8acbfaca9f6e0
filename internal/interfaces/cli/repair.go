package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/clinicdesk/backend/internal/bootstrap"
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// ConfirmationPhrase must be typed exactly to commit a repair
const ConfirmationPhrase = "YES"

// StdinConfirmer prints the change summary and commits only when the operator
// types ConfirmationPhrase. Anything else, including EOF, declines.
type StdinConfirmer struct {
	In  io.Reader
	Out io.Writer
}

// Confirm implements numbering.Confirmer
func (c StdinConfirmer) Confirm(_ context.Context, summary numbering.ChangeSummary) (bool, error) {
	if err := printSummary(c.Out, summary); err != nil {
		return false, err
	}
	fmt.Fprintf(c.Out, "\nType %s to commit these changes: ", ConfirmationPhrase)

	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.TrimSpace(line) == ConfirmationPhrase, nil
}

// NewRepairCommand creates the repair command group
func NewRepairCommand(root *RootOptions, deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Apply a reviewed numbering repair",
		Long: `Rehearse a repair inside a rolled-back transaction, show the before and
after state, and apply it only after the operator types YES. The applied
result is verified again after commit.`,
	}
	cmd.AddCommand(newGapFillCommand(root, deps))
	cmd.AddCommand(newHashesCommand(root, deps))
	return cmd
}

func newGapFillCommand(root *RootOptions, deps Deps) *cobra.Command {
	var (
		rawTenant, rawType string
		documentID         uint64
		minOffByOne        int
		format             string
	)

	cmd := &cobra.Command{
		Use:   "gap-fill",
		Short: "Assign a null-sequence document its coded number and shift later documents",
		Long: `Assign a null-sequence document the number its code implies and shift every
later document up by one. Without --min-off-by-one the precondition is the
number of later off-by-one documents the audit finds for the target.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			tenantID, err := parseTenant(rawTenant)
			if err != nil {
				return err
			}
			docType, err := parseType(rawType)
			if err != nil {
				return err
			}
			if minOffByOne < 0 {
				return NewExitError(ExitCommandError, "--min-off-by-one must not be negative")
			}
			plan := numbering.GapFillPlan{TenantID: tenantID, DocumentID: documentID, MinOffByOne: minOffByOne}
			resolve := func(ctx context.Context, s *bootstrap.Services, out io.Writer) (numbering.Plan, error) {
				if cmd.Flags().Changed("min-off-by-one") {
					return plan, nil
				}
				return deriveGapFill(ctx, s.Auditor, docType, plan, out)
			}
			return runRepair(cmd, root, deps, docType, resolve, format)
		},
	}
	cmd.Flags().StringVar(&rawTenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&rawType, "type", "", "document type")
	cmd.Flags().Uint64Var(&documentID, "document", 0, "id of the document without a sequence number")
	cmd.Flags().IntVar(&minOffByOne, "min-off-by-one", 0, "least number of later documents whose code is one above their sequence (default: the audited count)")
	cmd.Flags().StringVar(&format, "format", "text", "result format (text|json)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

// suggester derives repair plans from an audit
type suggester interface {
	Suggest(ctx context.Context, docType numbering.DocumentType) (*numbering.Report, numbering.Suggestions, error)
}

// deriveGapFill takes the off-by-one precondition from the audit suggestion
// for the plan's document. A document the audit does not suggest is refused.
func deriveGapFill(ctx context.Context, auditor suggester, docType numbering.DocumentType, plan numbering.GapFillPlan, out io.Writer) (numbering.Plan, error) {
	_, suggestions, err := auditor.Suggest(ctx, docType)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "audit failed", err)
	}
	suggested, ok := lo.Find(suggestions.GapFills, func(p numbering.GapFillPlan) bool {
		return p.TenantID == plan.TenantID && p.DocumentID == plan.DocumentID
	})
	if !ok {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf(
			"document %d is not a gap-fill candidate in the audit, pass --min-off-by-one to repair it anyway", plan.DocumentID))
	}
	plan.MinOffByOne = suggested.MinOffByOne
	fmt.Fprintf(out, "requiring at least %d off-by-one documents (from audit)\n", plan.MinOffByOne)
	return plan, nil
}

func newHashesCommand(root *RootOptions, deps Deps) *cobra.Command {
	var (
		rawType     string
		documentIDs []uint
		format      string
	)

	cmd := &cobra.Command{
		Use:   "hashes",
		Short: "Regenerate hashes that do not decode to their document",
		Long: `Regenerate the listed hashes. Without --document every hash the audit
flags for the type is regenerated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			docType, err := parseType(rawType)
			if err != nil {
				return err
			}
			plan := numbering.HashRegenerationPlan{
				DocumentIDs: lo.Map(documentIDs, func(id uint, _ int) uint64 { return uint64(id) }),
			}
			resolve := func(ctx context.Context, s *bootstrap.Services, out io.Writer) (numbering.Plan, error) {
				if len(plan.DocumentIDs) > 0 {
					return plan, nil
				}
				_, suggestions, err := s.Auditor.Suggest(ctx, docType)
				if err != nil {
					return nil, WrapExitError(ExitCommandError, "audit failed", err)
				}
				if suggestions.HashRegeneration == nil {
					fmt.Fprintf(out, "%s: no invalid hashes found\n", docType)
					return nil, nil
				}
				return *suggestions.HashRegeneration, nil
			}
			return runRepair(cmd, root, deps, docType, resolve, format)
		},
	}
	cmd.Flags().StringVar(&rawType, "type", "", "document type")
	cmd.Flags().UintSliceVar(&documentIDs, "document", nil, "document ids to regenerate (repeatable, default: all flagged)")
	cmd.Flags().StringVar(&format, "format", "text", "result format (text|json)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// planResolver completes a plan against the open services. A nil plan
// without error means there is nothing to repair.
type planResolver func(ctx context.Context, s *bootstrap.Services, out io.Writer) (numbering.Plan, error)

func runRepair(cmd *cobra.Command, root *RootOptions, deps Deps, docType numbering.DocumentType, resolve planResolver, format string) error {
	s, err := deps.Services(root, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	plan, err := resolve(ctx, s, out)
	if err != nil || plan == nil {
		return err
	}

	confirmer := StdinConfirmer{In: cmd.InOrStdin(), Out: out}
	result, repairErr := s.Repair.Repair(ctx, docType, plan, confirmer)

	if format == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else if err := printResult(out, result, repairErr); err != nil {
		return err
	}

	if repairErr != nil {
		return repairExitError(repairErr)
	}
	failed := lo.CountBy(result.Records, func(r numbering.RecordOutcome) bool {
		return r.Status == numbering.RecordStatusFailed
	})
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d records could not be repaired", failed, len(result.Records)))
	}
	return nil
}

var snapshotHeader = []string{"DOCUMENT", "TENANT", "CODE", "SEQ", "HASH", "CUSTOMER", "INVOICE"}

func printSummary(w io.Writer, summary numbering.ChangeSummary) error {
	namespaces := lo.Map(summary.Namespaces, func(ns numbering.Namespace, _ int) string { return ns.Key() })
	fmt.Fprintf(w, "%s repair of %s in %s\n", summary.Kind, summary.DocumentType, strings.Join(namespaces, ", "))

	after := lo.KeyBy(summary.After, func(s numbering.DocumentSnapshot) uint64 { return s.ID })
	var rows [][]any
	for _, b := range summary.Before {
		a, ok := after[b.ID]
		if !ok {
			continue
		}
		if optInt(b.SequenceNumber) == optInt(a.SequenceNumber) && b.Hash == a.Hash {
			continue
		}
		rows = append(rows, []any{b.ID, b.TenantID, b.Code,
			optInt(b.SequenceNumber), optInt(a.SequenceNumber), b.Hash, a.Hash,
			b.CustomerID, optUint(b.InvoiceID)})
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "\nno documents change")
	}
	header := []string{"DOCUMENT", "TENANT", "CODE", "SEQ BEFORE", "SEQ AFTER", "HASH BEFORE", "HASH AFTER", "CUSTOMER", "INVOICE"}
	if err := writeTable(w, "changes", header, rows); err != nil {
		return err
	}
	return printRecords(w, summary.Records)
}

func printRecords(w io.Writer, records []numbering.RecordOutcome) error {
	rows := lo.Map(records, func(r numbering.RecordOutcome, _ int) []any {
		return []any{r.DocumentID, r.Before, r.After, r.Status, r.Error}
	})
	return writeTable(w, "records", []string{"DOCUMENT", "BEFORE", "AFTER", "STATUS", "ERROR"}, rows)
}

func snapshotRow(s numbering.DocumentSnapshot) []any {
	return []any{s.ID, s.TenantID, s.Code, optInt(s.SequenceNumber), s.Hash, s.CustomerID, optUint(s.InvoiceID)}
}

// printAfterCommit prints the re-read rows. A row is OK when it holds the
// value its record says the repair wrote.
func printAfterCommit(w io.Writer, result *numbering.RepairResult) error {
	records := lo.KeyBy(result.Records, func(r numbering.RecordOutcome) uint64 { return r.DocumentID })
	rows := lo.Map(result.After, func(s numbering.DocumentSnapshot, _ int) []any {
		status := "MISMATCH"
		if rec, ok := records[s.ID]; ok {
			actual := s.Hash
			if result.Kind == numbering.RepairKindGapFill {
				actual = optInt(s.SequenceNumber)
			}
			if rec.After == actual {
				status = "OK"
			}
		}
		return append(snapshotRow(s), status)
	})
	return writeTable(w, "after commit", append(slices.Clone(snapshotHeader), "STATUS"), rows)
}

func printResult(w io.Writer, result *numbering.RepairResult, repairErr error) error {
	states := lo.Map(result.Transitions, func(s numbering.RepairState, _ int) string { return string(s) })
	fmt.Fprintf(w, "\n%s\n", strings.Join(states, " -> "))
	if repairErr != nil {
		fmt.Fprintf(w, "repair %s: %v\n", strings.ToLower(string(result.State)), repairErr)
		if result.State == numbering.RepairStateCommitted {
			return printAfterCommit(w, result)
		}
		return writeTable(w, "before", snapshotHeader, lo.Map(result.Before, func(s numbering.DocumentSnapshot, _ int) []any {
			return snapshotRow(s)
		}))
	}
	if err := printRecords(w, result.Records); err != nil {
		return err
	}
	if err := printAfterCommit(w, result); err != nil {
		return err
	}
	fmt.Fprintf(w, "modified %d documents, verified: %t\n", result.Modified, result.Verified)
	if result.NextCode != "" {
		fmt.Fprintf(w, "next code: %s\n", result.NextCode)
	}
	return nil
}
