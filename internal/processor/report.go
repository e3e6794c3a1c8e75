package processor

import (
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Summary is one patient's line in the report
type Summary struct {
	Name   string `json:"name"`
	Fills  int    `json:"fills"`
	Income int    `json:"income"`
}

// Summaries returns patients with at least one created prescription,
// ordered by fills descending, then income ascending, then name.
func (p *EventProcessor) Summaries() []Summary {
	out := make([]Summary, 0, len(p.patients))
	for _, patient := range p.patients {
		if !patient.HasCreatedPrescriptions() {
			continue
		}
		out = append(out, Summary{
			Name:   patient.Name(),
			Fills:  patient.TotalFills(),
			Income: patient.TotalIncome(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fills != out[j].Fills {
			return out[i].Fills > out[j].Fills
		}
		if out[i].Income != out[j].Income {
			return out[i].Income < out[j].Income
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// GenerateReport formats the ordered summaries, one string per patient
func (p *EventProcessor) GenerateReport() []string {
	summaries := p.Summaries()
	lines := make([]string, len(summaries))
	for i, s := range summaries {
		lines[i] = FormatLine(s)
	}
	return lines
}

// WriteReport writes the report with a newline after every line
func (p *EventProcessor) WriteReport(w io.Writer) error {
	for _, line := range p.GenerateReport() {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// FormatLine renders "Name: N fills $M income"
func FormatLine(s Summary) string {
	return fmt.Sprintf("%s: %d fills %s income", s.Name, s.Fills, FormatIncome(s.Income))
}

// FormatIncome renders $N, or -$N for negative amounts
func FormatIncome(amount int) string {
	if amount < 0 {
		return "-$" + strconv.Itoa(-amount)
	}
	return "$" + strconv.Itoa(amount)
}
