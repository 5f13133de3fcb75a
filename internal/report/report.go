// Package report exports application records to an xlsx workbook.
package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/weights"
)

const (
	SheetSummary      = "Summary"
	SheetApplications = "Applications"
	SheetQuota        = "Quota"
	SheetWeights      = "Skill Weights"
	SheetCompanies    = "Company Preferences"

	dateTimeFmt = "2006-01-02 15:04:05"
)

var applicationHeaders = []string{
	"Applied At", "Source", "External ID", "Title", "Company", "Location",
	"Score", "Skill", "Experience", "Education", "Location Fit", "Text",
	"Outcome", "Resolved At", "Learning Applied", "Note", "Error", "URL",
}

type Data struct {
	Records     []model.ApplicationRecord
	Quota       []model.DailyQuotaCounter
	QuotaLimit  int
	Weights     model.SkillWeights
	GeneratedAt time.Time
}

// Summary holds the numbers shown on the first sheet.
type Summary struct {
	Total        int
	ByOutcome    map[model.Outcome]int
	BySource     map[string]int
	AverageScore float64
}

func Summarize(records []model.ApplicationRecord) Summary {
	s := Summary{
		Total:     len(records),
		ByOutcome: make(map[model.Outcome]int),
		BySource:  make(map[string]int),
	}
	var total float64
	for _, r := range records {
		s.ByOutcome[r.Outcome]++
		s.BySource[r.SourceID]++
		total += r.Score.Value
	}
	if len(records) > 0 {
		s.AverageScore = total / float64(len(records))
	}
	return s
}

// Export writes the workbook to path, adding the .xlsx extension when missing,
// and returns the final path.
func Export(data Data, path string) (string, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".xlsx") {
		path += ".xlsx"
	}
	path = filepath.Clean(path)

	f, err := Build(data)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("saving report %s: %w", path, err)
	}
	return path, nil
}

// Build creates the workbook in memory.
func Build(data Data) (*excelize.File, error) {
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = time.Now()
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		f.Close()
		return nil, err
	}
	for _, name := range []string{SheetApplications, SheetQuota, SheetWeights, SheetCompanies} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, err
		}
	}

	header, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	steps := []struct {
		name string
		fn   func(*excelize.File, int, Data) error
	}{
		{SheetSummary, writeSummary},
		{SheetApplications, writeApplications},
		{SheetQuota, writeQuota},
		{SheetWeights, writeWeights},
		{SheetCompanies, writeCompanies},
	}
	for _, step := range steps {
		if err := step.fn(f, header, data); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing %s sheet: %w", step.name, err)
		}
	}

	f.SetActiveSheet(0)
	return f, nil
}

func writeSummary(f *excelize.File, header int, data Data) error {
	s := Summarize(data.Records)

	if err := f.SetColWidth(SheetSummary, "A", "A", 28); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetSummary, "B", "B", 24); err != nil {
		return err
	}

	rows := [][]interface{}{
		{"Application Report"},
		{"Generated", data.GeneratedAt.Format(dateTimeFmt)},
		{"Total applications", s.Total},
		{"Average match score", round(s.AverageScore)},
		{"Daily limit", data.QuotaLimit},
		{},
		{"Outcome", "Count"},
	}
	for _, o := range []model.Outcome{model.OutcomePending, model.OutcomeSuccess, model.OutcomeRejected, model.OutcomeError} {
		rows = append(rows, []interface{}{string(o), s.ByOutcome[o]})
	}
	rows = append(rows, []interface{}{}, []interface{}{"Source", "Count"})
	for _, src := range sortedKeys(s.BySource) {
		rows = append(rows, []interface{}{src, s.BySource[src]})
	}

	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return err
		}
		if i == 0 || row[0] == "Outcome" || row[0] == "Source" {
			end, _ := excelize.CoordinatesToCellName(2, i+1)
			if err := f.SetCellStyle(SheetSummary, cell, end, header); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeApplications(f *excelize.File, header int, data Data) error {
	if err := writeHeader(f, SheetApplications, header, applicationHeaders); err != nil {
		return err
	}

	records := make([]model.ApplicationRecord, len(data.Records))
	copy(records, data.Records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].AppliedAt.After(records[j].AppliedAt)
	})

	for i, r := range records {
		resolved := ""
		if r.ResolvedAt != nil {
			resolved = r.ResolvedAt.Format(dateTimeFmt)
		}
		row := []interface{}{
			r.AppliedAt.Format(dateTimeFmt),
			r.SourceID,
			r.ExternalID,
			r.Posting.Title,
			r.Posting.Company,
			r.Posting.Location,
			round(r.Score.Value),
			round(r.Score.Breakdown.Skill),
			round(r.Score.Breakdown.Experience),
			round(r.Score.Breakdown.Education),
			round(r.Score.Breakdown.Location),
			round(r.Score.Breakdown.TextSimilarity),
			string(r.Outcome),
			resolved,
			r.LearningApplied,
			r.Note,
			r.Error,
			r.Posting.URL,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetApplications, cell, &row); err != nil {
			return err
		}
	}

	return f.SetColWidth(SheetApplications, "D", "D", 40)
}

func writeQuota(f *excelize.File, header int, data Data) error {
	if err := writeHeader(f, SheetQuota, header, []string{"Date", "Applications", "Limit"}); err != nil {
		return err
	}

	counters := make([]model.DailyQuotaCounter, len(data.Quota))
	copy(counters, data.Quota)
	sort.Slice(counters, func(i, j int) bool { return counters[i].Date > counters[j].Date })

	for i, c := range counters {
		row := []interface{}{c.Date, c.Count, data.QuotaLimit}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetQuota, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeWeights(f *excelize.File, header int, data Data) error {
	if err := writeHeader(f, SheetWeights, header, []string{"Skill", "Weight"}); err != nil {
		return err
	}
	for i, r := range weights.Top(data.Weights, 0) {
		row := []interface{}{r.Skill, round(r.Weight)}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetWeights, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SheetWeights, "A", "A", 24)
}

func writeCompanies(f *excelize.File, header int, data Data) error {
	if err := writeHeader(f, SheetCompanies, header, []string{"Company", "Preference"}); err != nil {
		return err
	}
	for i, r := range weights.TopCompanies(data.Weights, 0) {
		row := []interface{}{r.Company, round(r.Preference)}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetCompanies, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SheetCompanies, "A", "A", 32)
}

func writeHeader(f *excelize.File, sheet string, style int, names []string) error {
	row := make([]interface{}, len(names))
	for i, n := range names {
		row[i] = n
	}
	if err := f.SetSheetRow(sheet, "A1", &row); err != nil {
		return err
	}
	end, err := excelize.CoordinatesToCellName(len(names), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", end, style)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
