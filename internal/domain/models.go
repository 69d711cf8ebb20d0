package domain

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Marks are emitted as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// MarksPrecision is the number of decimal places marks are rounded to,
// matching the wallet/credit convention of two places.
const MarksPrecision = 2

// Kind distinguishes code contests from multiple-choice quizzes.
type Kind string

const (
	KindContest Kind = "contest"
	KindQuiz    Kind = "quiz"
)

// Phase is where a contest sits relative to its schedule.
type Phase int

const (
	PhasePending Phase = iota
	PhaseLive
	PhaseEnded
)

// TestCase is one input/expected-output pair of a contest question.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	Hidden         bool   `json:"hidden,omitempty"`
}

// Question is a single graded item. Contest questions carry test cases,
// quiz questions carry options and the correct one.
type Question struct {
	Prompt        string          `json:"prompt,omitempty"`
	MaxMarks      decimal.Decimal `json:"max_marks"`
	TestCases     []TestCase      `json:"test_cases,omitempty"`
	Options       []string        `json:"options,omitempty"`
	CorrectOption string          `json:"correct_option,omitempty"`
	Language      string          `json:"language,omitempty"`
}

// Contest is one timed grading session. The index of a question in
// Questions is its question id.
type Contest struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
	StartTime int64      `json:"start_time"`
	EndTime   int64      `json:"end_time"`
}

// Phase reports the contest phase at now. A contest stays live through
// the whole second of EndTime.
func (c Contest) Phase(now time.Time) Phase {
	ts := now.Unix()
	switch {
	case ts < c.StartTime:
		return PhasePending
	case ts > c.EndTime:
		return PhaseEnded
	default:
		return PhaseLive
	}
}

// Ends returns the instant after which the contest is inert.
func (c Contest) Ends() time.Time {
	return time.Unix(c.EndTime+1, 0)
}

// HasQuestion reports whether questionID indexes a question.
func (c Contest) HasQuestion(questionID int) bool {
	return questionID >= 0 && questionID < len(c.Questions)
}

// Participant is the identity a token carries into a contest.
type Participant struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	WalletID string `json:"wallet_id"`
}

// Marks maps a question index to the best score achieved for it.
type Marks map[int]decimal.Decimal

// Sum adds up every score.
func (m Marks) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

// MarshalJSON writes the keys in ascending numeric order.
func (m Marks) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.Itoa(k)))
		buf.WriteByte(':')
		v, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RankingEntry is one participant's standing.
type RankingEntry struct {
	UserID     string          `json:"user_id"`
	Name       string          `json:"name"`
	WalletID   string          `json:"wallet_id"`
	Marks      Marks           `json:"marks"`
	TotalMarks decimal.Decimal `json:"total_marks"`
	Rank       int             `json:"rank,omitempty"`
}

// Clone deep-copies the entry so the caller can't reach shared maps.
func (e RankingEntry) Clone() RankingEntry {
	marks := make(Marks, len(e.Marks))
	for q, m := range e.Marks {
		marks[q] = m
	}
	e.Marks = marks
	return e
}

// RankingSnapshot is an ordered copy of a contest ranking, sorted by
// TotalMarks descending. Version grows with every change of contest state.
type RankingSnapshot struct {
	ContestID    string         `json:"contest_id"`
	Version      uint64         `json:"version"`
	Entries      []RankingEntry `json:"entries"`
	Participants []Participant  `json:"participants"`
	TakenAt      time.Time      `json:"taken_at"`
}

// ByUser indexes the entries by user id.
func (s RankingSnapshot) ByUser() map[string]RankingEntry {
	out := make(map[string]RankingEntry, len(s.Entries))
	for _, e := range s.Entries {
		out[e.UserID] = e
	}
	return out
}

// TestCaseResult is the outcome of running a submission on one test case.
type TestCaseResult struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	ActualOutput   string `json:"actual_output"`
	IsCorrect      bool   `json:"is_correct"`
	ExecutionTime  int64  `json:"execution_time"` // milliseconds
	Error          string `json:"error,omitempty"`
}

// SubmissionResult is the transient grading outcome for one question.
type SubmissionResult struct {
	QuestionID   int              `json:"question_id"`
	TestCases    []TestCaseResult `json:"test_cases,omitempty"`
	IsCorrect    bool             `json:"is_correct"`
	MarksAwarded decimal.Decimal  `json:"marks_awarded"`
}

// Submission is what a participant hands in: source code for a contest
// question, a selected option for a quiz question.
type Submission struct {
	QuestionID int
	Code       string
	Language   string
	Option     string
}

// IsQuiz reports whether the submission selects an option instead of
// carrying code.
func (s Submission) IsQuiz() bool {
	return s.Code == "" && s.Option != ""
}
