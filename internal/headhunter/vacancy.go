package headhunter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/spigell/job-responder/internal/model"
)

const (
	remoteSchedule = "remote"
	publishedAtFmt = "2006-01-02T15:04:05-0700"
)

// experienceYears maps hh.ru experience ids to the lower bound in years.
var experienceYears = map[string]float64{
	"noExperience": 0,
	"between1And3": 1,
	"between3And6": 3,
	"moreThan6":    6,
}

type Vacancies struct {
	Items []*Vacancy
}

type Dictionary struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type Area struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

type Salary struct {
	From     int    `json:"from,omitempty"`
	To       int    `json:"to,omitempty"`
	Currency string `json:"currency,omitempty"`
	Gross    bool   `json:"gross,omitempty"`
}

type Employer struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	URL          string `json:"url,omitempty"`
	AlternateURL string `json:"alternate_url,omitempty"`
	VacanciesURL string `json:"vacancies_url,omitempty"`
	Trusted      bool   `json:"trusted,omitempty"`
}

type Snippet struct {
	Requirement    string `json:"requirement,omitempty"`
	Responsibility string `json:"responsibility,omitempty"`
}

type Vacancy struct {
	ID                string       `json:"id,omitempty"`
	Name              string       `json:"name,omitempty"`
	Area              Area         `json:"area,omitempty"`
	HasTest           bool         `json:"has_test,omitempty"`
	Salary            *Salary      `json:"salary,omitempty"`
	Experience        Dictionary   `json:"experience,omitempty"`
	Schedule          Dictionary   `json:"schedule,omitempty"`
	Employer          Employer     `json:"employer,omitempty"`
	CreatedAt         string       `json:"created_at,omitempty"`
	AlternateURL      string       `json:"alternate_url,omitempty"`
	Employment        Dictionary   `json:"employment,omitempty"`
	Description       string       `json:"description,omitempty"`
	KeySkills         []Dictionary `json:"key_skills,omitempty"`
	Archived          bool         `json:"archived,omitempty"`
	Snipet            Snippet      `json:"snippet,omitempty"`
	ProfessionalRoles []Dictionary `json:"professional_roles,omitempty"`
	PublishedAt       string       `json:"published_at,omitempty"`
}

// GetVacancy loads the full vacancy. Search results carry neither key skills nor the description.
func (c *Client) GetVacancy(ctx context.Context, id string) (*Vacancy, error) {
	if id == "" {
		return nil, fmt.Errorf("vacancy id is required")
	}

	var vacancy Vacancy
	if err := c.getJSON(ctx, fmt.Sprintf("%s%s/%s", c.APIURL, SearchPath, id), nil, &vacancy); err != nil {
		return nil, err
	}
	return &vacancy, nil
}

// ToPosting converts the vacancy into the source-agnostic posting.
func (va *Vacancy) ToPosting() model.JobPosting {
	posting := model.JobPosting{
		SourceID:    SourceID,
		ExternalID:  va.ID,
		Title:       strings.TrimSpace(va.Name),
		Description: va.text(),
		Location:    va.location(),
		Company:     va.Employer.Name,
		CompanyID:   va.Employer.ID,
		URL:         va.AlternateURL,
	}

	if t, err := time.Parse(publishedAtFmt, va.PublishedAt); err == nil {
		posting.PostedAt = t.UTC()
	}

	if years, ok := experienceYears[va.Experience.ID]; ok {
		posting.RequiredExperienceYears = &years
	}

	for _, skill := range va.KeySkills {
		if name := strings.TrimSpace(skill.Name); name != "" {
			posting.RequiredSkills = append(posting.RequiredSkills, name)
		}
	}

	return posting
}

func (va *Vacancy) location() string {
	loc := strings.TrimSpace(va.Area.Name)
	if va.Schedule.ID != remoteSchedule {
		return loc
	}
	if loc == "" {
		return remoteSchedule
	}
	return fmt.Sprintf("%s (%s)", loc, remoteSchedule)
}

// text prefers the full description and falls back to the search snippet.
func (va *Vacancy) text() string {
	if desc := htmlToText(va.Description); desc != "" {
		return desc
	}

	parts := make([]string, 0, 2)
	for _, s := range []string{va.Snipet.Requirement, va.Snipet.Responsibility} {
		if s = htmlToText(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func htmlToText(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return strings.TrimSpace(content)
	}

	var lines []string
	doc.Find("p, li, h1, h2, h3, h4, div").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Filter("p, li, div, ul, ol").Length() > 0 {
			return
		}
		if line := strings.Join(strings.Fields(s.Text()), " "); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		return strings.Join(strings.Fields(doc.Text()), " ")
	}
	return strings.Join(lines, "\n")
}

func (v *Vacancies) Len() int {
	return len(v.Items)
}

func (v *Vacancies) FindByID(id string) *Vacancy {
	for _, vacancy := range v.Items {
		if vacancy.ID == id {
			return vacancy
		}
	}
	return nil
}

// ExcludeWithTest drops every vacancy that requires a test before applying.
func (v *Vacancies) ExcludeWithTest() []string {
	var excluded []string
	kept := v.Items[:0]
	for _, vacancy := range v.Items {
		if vacancy.HasTest {
			excluded = append(excluded, vacancy.ID)
			continue
		}
		kept = append(kept, vacancy)
	}
	v.Items = kept
	return excluded
}
