// Package assemble produces the final answer document: per question,
// the solution code followed by a terminal-styled block showing the
// captured execution output.
package assemble

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jung-kurt/gofpdf/v2"

	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/provider"
)

// fakeFolders cycles through the working-directory names shown in the
// rendered terminal prompt so consecutive blocks look like a real
// session moving between projects.
var fakeFolders = []string{"projects", "exercises", "homework", "dev", "solutions"}

// PDF renders batches into PDF documents under OutDir.
type PDF struct {
	OutDir string
}

// NewPDF creates an assembler writing documents into outDir.
func NewPDF(outDir string) *PDF {
	return &PDF{OutDir: outDir}
}

// Build renders all results, ascending by their order in the slice, and
// returns the written document path. It refuses a batch in which no
// question produced a solution.
func (a *PDF) Build(job *domain.BatchJob, results []domain.QuestionResult) (string, error) {
	solved := 0
	for _, r := range results {
		if !r.Failed() {
			solved++
		}
	}
	if solved == 0 {
		return "", domain.ErrNoResults
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("{nb}")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(108, 117, 125)
		pdf.SetX(15)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(33, 37, 41)
	pdf.CellFormat(0, 14, "Solutions", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.SetTextColor(108, 117, 125)
	pdf.CellFormat(0, 8, fmt.Sprintf("%s - %d questions", provider.LanguageLabel(job.Language), len(results)), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	for i, r := range results {
		a.addQuestion(pdf, i, r)
	}

	if err := os.MkdirAll(a.OutDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(a.OutDir, job.TaskID+".pdf")
	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", fmt.Errorf("write document: %w", err)
	}
	return path, nil
}

func (a *PDF) addQuestion(pdf *gofpdf.Fpdf, i int, r domain.QuestionResult) {
	pdf.SetFont("Arial", "B", 13)
	pdf.SetTextColor(33, 37, 41)
	pdf.CellFormat(0, 9, fmt.Sprintf("Question %d", r.Index), "", 1, "L", false, 0, "")
	pdf.SetLineWidth(0.4)
	pdf.SetDrawColor(0, 102, 204)
	pdf.Line(15, pdf.GetY(), 195, pdf.GetY())
	pdf.Ln(4)

	if r.Failed() {
		pdf.SetFont("Arial", "I", 10)
		pdf.SetTextColor(176, 42, 55)
		pdf.MultiCell(180, 5, fmt.Sprintf("Could not be solved: %s", r.Err), "", "L", false)
		pdf.Ln(6)
		return
	}

	pdf.SetFont("Courier", "", 9)
	pdf.SetTextColor(33, 37, 41)
	pdf.MultiCell(180, 4.5, r.Solution, "", "L", false)
	pdf.Ln(3)

	a.addTerminalBlock(pdf, i, r.Output)
	pdf.Ln(8)
}

// addTerminalBlock draws the captured output as a dark terminal pane
// with a zsh-style prompt line.
func (a *PDF) addTerminalBlock(pdf *gofpdf.Fpdf, i int, output string) {
	text := TerminalText(i, output)
	lines := pdf.SplitText(text, 172)

	startY := pdf.GetY()
	height := float64(len(lines))*4.2 + 8
	pdf.SetFillColor(40, 44, 52)
	pdf.Rect(15, startY, 180, height, "F")

	pdf.SetXY(19, startY+4)
	pdf.SetFont("Courier", "", 8.5)
	pdf.SetTextColor(220, 223, 228)
	for _, line := range lines {
		pdf.SetX(19)
		pdf.CellFormat(172, 4.2, line, "", 1, "L", false, 0, "")
	}
	pdf.SetY(startY + height)
}

// TerminalText composes the text content of one rendered terminal
// block: prompt line, output, closing prompt.
func TerminalText(i int, output string) string {
	folder := fakeFolders[i%len(fakeFolders)]
	prompt := fmt.Sprintf("user@macbook %s %% ", folder)

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("run solution")
	b.WriteString("\n")
	out := strings.TrimRight(output, "\n")
	if out != "" {
		b.WriteString(out)
		b.WriteString("\n")
	}
	b.WriteString(prompt)
	return b.String()
}
