package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewNumberingCommand creates the numbering command group
func NewNumberingCommand(root *RootOptions, deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "numbering",
		Short: "Audit and repair document numbering",
	}
	cmd.AddCommand(newAuditCommand(root, deps))
	cmd.AddCommand(newNextCommand(root, deps))
	cmd.AddCommand(NewRepairCommand(root, deps))
	return cmd
}

func parseType(raw string) (numbering.DocumentType, error) {
	docType, err := numbering.ParseDocumentType(raw)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid --type", err)
	}
	return docType, nil
}

func parseTenant(raw string) (uuid.UUID, error) {
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, WrapExitError(ExitCommandError, "invalid --tenant", err)
	}
	return tenantID, nil
}

type auditOutput struct {
	Clean       bool                  `json:"clean"`
	Report      *numbering.Report     `json:"report"`
	Suggestions numbering.Suggestions `json:"suggestions"`
}

func newAuditCommand(root *RootOptions, deps Deps) *cobra.Command {
	var rawType, format string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Report numbering violations for a document type",
		Long: `Scan every document of a type, soft-deleted included, for duplicate
sequence numbers, codes that disagree with their sequence and hashes that do
not decode to their owner. Exits 1 when violations are found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			docType, err := parseType(rawType)
			if err != nil {
				return err
			}
			s, err := deps.Services(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			report, suggestions, err := s.Auditor.Suggest(cmd.Context(), docType)
			if err != nil {
				return WrapExitError(ExitCommandError, "audit failed", err)
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				if err := writeJSON(out, auditOutput{Clean: report.Clean(), Report: report, Suggestions: suggestions}); err != nil {
					return err
				}
			} else if err := printReport(out, report, suggestions); err != nil {
				return err
			}

			if !report.Clean() {
				return NewExitError(ExitFailure, fmt.Sprintf("%d numbering violations found", report.ViolationCount()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawType, "type", "", "document type (payment|invoice|estimate|appointment)")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newNextCommand(root *RootOptions, deps Deps) *cobra.Command {
	var rawTenant, rawType string

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the number the next document would receive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := parseTenant(rawTenant)
			if err != nil {
				return err
			}
			docType, err := parseType(rawType)
			if err != nil {
				return err
			}
			s, err := deps.Services(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			next, err := s.Allocator.PeekNext(cmd.Context(), tenantID, docType)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read counter", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", next.Code, next.SequenceNumber)
			return nil
		},
	}
	cmd.Flags().StringVar(&rawTenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&rawType, "type", "", "document type")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, r *numbering.Report, s numbering.Suggestions) error {
	fmt.Fprintf(w, "%s: %d documents, %d violations\n", r.DocumentType, r.DocumentCount, r.ViolationCount())

	var rows [][]any
	for _, g := range r.DuplicateSequences {
		rows = append(rows, []any{g.TenantID, g.SequenceNumber, g.DocumentIDs})
	}
	if err := writeTable(w, "duplicate sequences", []string{"TENANT", "SEQUENCE", "DOCUMENTS"}, rows); err != nil {
		return err
	}

	rows = nil
	for _, m := range r.MisalignedCodes {
		rows = append(rows, []any{m.DocumentID, m.TenantID, m.Code, optInt(m.SequenceNumber), optInt(m.Offset), m.Reason})
	}
	if err := writeTable(w, "misaligned codes", []string{"DOCUMENT", "TENANT", "CODE", "SEQUENCE", "OFFSET", "REASON"}, rows); err != nil {
		return err
	}

	rows = nil
	for _, f := range r.UndecodableHashes {
		rows = append(rows, []any{f.DocumentID, f.TenantID, f.Hash, f.Reason})
	}
	if err := writeTable(w, "invalid hashes", []string{"DOCUMENT", "TENANT", "HASH", "REASON"}, rows); err != nil {
		return err
	}

	rows = nil
	for _, c := range r.CounterLag {
		rows = append(rows, []any{c.TenantID, c.Counter, c.ScanMax})
	}
	if err := writeTable(w, "counter lag (informational)", []string{"TENANT", "COUNTER", "SCANNED MAX"}, rows); err != nil {
		return err
	}

	if len(r.OpaqueTokens) > 0 {
		fmt.Fprintf(w, "\n%d documents carry opaque tokens\n", len(r.OpaqueTokens))
	}

	for _, p := range s.GapFills {
		fmt.Fprintf(w, "suggested: clinicctl numbering repair gap-fill --type %s --tenant %s --document %d --min-off-by-one %d\n",
			r.DocumentType, p.TenantID, p.DocumentID, p.MinOffByOne)
	}
	if s.HashRegeneration != nil {
		fmt.Fprintf(w, "suggested: clinicctl numbering repair hashes --type %s (%d documents)\n",
			r.DocumentType, len(s.HashRegeneration.DocumentIDs))
	}
	return nil
}

// writeTable prints a titled, column-aligned table. Empty tables print nothing.
func writeTable(w io.Writer, title string, header []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n%s\n", title)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

func optInt(v *int64) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%d", *v)
}

func optUint(v *uint64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
