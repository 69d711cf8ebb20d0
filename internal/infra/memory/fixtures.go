package memory

import (
	"fmt"
	"os"

	"contest-live-service/internal/domain"
	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

type fixtureFile struct {
	Contests []fixtureContest `toml:"contests"`
}

type fixtureContest struct {
	ID        string            `toml:"id"`
	Kind      string            `toml:"kind"`
	Title     string            `toml:"title"`
	StartTime int64             `toml:"start_time"`
	EndTime   int64             `toml:"end_time"`
	Questions []fixtureQuestion `toml:"questions"`
}

type fixtureQuestion struct {
	Prompt        string            `toml:"prompt"`
	MaxMarks      float64           `toml:"max_marks"`
	Language      string            `toml:"language"`
	Options       []string          `toml:"options"`
	CorrectOption string            `toml:"correct_option"`
	Tests         []fixtureTestCase `toml:"tests"`
}

type fixtureTestCase struct {
	In     string `toml:"in"`
	Ans    string `toml:"ans"`
	Hidden bool   `toml:"hidden"`
}

// ReadFixtures parses a TOML file of [[contests]] blocks.
func ReadFixtures(path string) (map[string]domain.Contest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures is ReadFixtures over bytes.
func ParseFixtures(data []byte) (map[string]domain.Contest, error) {
	var file fixtureFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fixtures: %w", err)
	}

	contests := make(map[string]domain.Contest, len(file.Contests))
	for _, fc := range file.Contests {
		if fc.ID == "" {
			return nil, fmt.Errorf("fixture contest without id")
		}
		if _, dup := contests[fc.ID]; dup {
			return nil, fmt.Errorf("duplicate fixture contest %q", fc.ID)
		}
		if fc.EndTime < fc.StartTime {
			return nil, fmt.Errorf("contest %q ends before it starts", fc.ID)
		}

		kind := domain.Kind(fc.Kind)
		switch kind {
		case domain.KindContest, domain.KindQuiz:
		case "":
			kind = domain.KindContest
		default:
			return nil, fmt.Errorf("contest %q has unknown kind %q", fc.ID, fc.Kind)
		}

		c := domain.Contest{
			ID:        fc.ID,
			Kind:      kind,
			Title:     fc.Title,
			StartTime: fc.StartTime,
			EndTime:   fc.EndTime,
			Questions: make([]domain.Question, len(fc.Questions)),
		}
		for i, fq := range fc.Questions {
			q := domain.Question{
				Prompt:        fq.Prompt,
				MaxMarks:      decimal.NewFromFloat(fq.MaxMarks),
				Language:      fq.Language,
				Options:       fq.Options,
				CorrectOption: fq.CorrectOption,
			}
			if kind == domain.KindQuiz {
				q.MaxMarks = decimal.NewFromInt(1)
			}
			for _, tc := range fq.Tests {
				q.TestCases = append(q.TestCases, domain.TestCase{
					Input:          tc.In,
					ExpectedOutput: tc.Ans,
					Hidden:         tc.Hidden,
				})
			}
			c.Questions[i] = q
		}
		contests[c.ID] = c
	}
	return contests, nil
}
