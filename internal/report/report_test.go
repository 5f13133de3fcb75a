package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/spigell/job-responder/internal/model"
)

func sample() Data {
	day := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	resolved := day.Add(48 * time.Hour)
	return Data{
		Records: []model.ApplicationRecord{
			{
				SourceID: "hh", ExternalID: "1", AppliedAt: day,
				Posting: model.JobPosting{Title: "Go developer", Company: "Acme"},
				Outcome: model.OutcomeSuccess, Score: model.MatchScore{Value: 0.9},
				ResolvedAt: &resolved, LearningApplied: true,
			},
			{
				SourceID: "hh", ExternalID: "2", AppliedAt: day.Add(time.Hour),
				Posting: model.JobPosting{Title: "SRE", Company: "Globex"},
				Outcome: model.OutcomePending, Score: model.MatchScore{Value: 0.7},
			},
			{
				SourceID: "board", ExternalID: "x", AppliedAt: day.Add(2 * time.Hour),
				Outcome: model.OutcomeError, Error: "boom", Score: model.MatchScore{Value: 0.8},
			},
		},
		Quota: []model.DailyQuotaCounter{
			{Date: "2024-04-30", Count: 10},
			{Date: "2024-05-01", Count: 3},
		},
		QuotaLimit: 10,
		Weights: model.SkillWeights{
			Weights:   map[string]float64{"go": 1.3, "sql": 0.9},
			Companies: map[string]float64{"globex": 0.4, "acme": 0.6},
		},
		GeneratedAt: day,
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sample().Records)

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.BySource["hh"])
	assert.Equal(t, 1, s.BySource["board"])
	assert.Equal(t, 1, s.ByOutcome[model.OutcomeSuccess])
	assert.InDelta(t, 0.8, s.AverageScore, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.AverageScore)
}

func TestBuildSheets(t *testing.T) {
	f, err := Build(sample())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetSummary, SheetApplications, SheetQuota, SheetWeights, SheetCompanies}, f.GetSheetList())

	apps, err := f.GetRows(SheetApplications)
	require.NoError(t, err)
	require.Len(t, apps, 4)
	assert.Equal(t, "Applied At", apps[0][0])
	// newest first
	assert.Equal(t, "board", apps[1][1])
	assert.Equal(t, "1", apps[3][2])

	quota, err := f.GetRows(SheetQuota)
	require.NoError(t, err)
	require.Len(t, quota, 3)
	assert.Equal(t, "2024-05-01", quota[1][0])
	assert.Equal(t, "3", quota[1][1])

	ws, err := f.GetRows(SheetWeights)
	require.NoError(t, err)
	require.Len(t, ws, 3)
	assert.Equal(t, "go", ws[1][0])

	companies, err := f.GetRows(SheetCompanies)
	require.NoError(t, err)
	require.Len(t, companies, 3)
	assert.Equal(t, "acme", companies[1][0])
	assert.Equal(t, "0.6", companies[1][1])

	total, err := f.GetCellValue(SheetSummary, "B3")
	require.NoError(t, err)
	assert.Equal(t, "3", total)
}

func TestExportAddsExtension(t *testing.T) {
	dir := t.TempDir()

	path, err := Export(sample(), filepath.Join(dir, "applications"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "applications.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetApplications)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}
