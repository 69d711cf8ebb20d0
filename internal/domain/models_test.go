package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestContestPhase(t *testing.T) {
	c := Contest{StartTime: 100, EndTime: 200}

	cases := []struct {
		at   int64
		want Phase
	}{
		{99, PhasePending},
		{100, PhaseLive},
		{200, PhaseLive},
		{201, PhaseEnded},
	}
	for _, tc := range cases {
		if got := c.Phase(time.Unix(tc.at, 0)); got != tc.want {
			t.Fatalf("phase at %d: expected %v, got %v", tc.at, tc.want, got)
		}
	}
	if !c.Ends().Equal(time.Unix(201, 0)) {
		t.Fatalf("unexpected end instant %v", c.Ends())
	}
}

func TestPhaseErrorsWrapClosed(t *testing.T) {
	if !errors.Is(PhaseError(PhasePending), ErrContestClosed) {
		t.Fatalf("pending should wrap ErrContestClosed")
	}
	if !errors.Is(PhaseError(PhaseEnded), ErrContestClosed) {
		t.Fatalf("ended should wrap ErrContestClosed")
	}
	if PhaseError(PhaseLive) != nil {
		t.Fatalf("live must not be an error")
	}
}

func TestRankingEntryJSON(t *testing.T) {
	e := RankingEntry{
		UserID: "u1",
		Name:   "Alice",
		Marks: Marks{
			10: decimal.RequireFromString("1"),
			2:  decimal.RequireFromString("10"),
			0:  decimal.RequireFromString("6.5"),
		},
		TotalMarks: decimal.RequireFromString("16.5"),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(raw)
	if !strings.Contains(got, `"marks":{"0":6.5,"2":10,"10":1}`) {
		t.Fatalf("marks should be index-ordered numbers, got %s", got)
	}
	if !strings.Contains(got, `"total_marks":16.5`) {
		t.Fatalf("total should be a number, got %s", got)
	}
}

func TestMarksRoundTrip(t *testing.T) {
	var m Marks
	if err := json.Unmarshal([]byte(`{"3":2.25,"1":4}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m[3].Equal(decimal.RequireFromString("2.25")) || !m.Sum().Equal(decimal.RequireFromString("6.25")) {
		t.Fatalf("unexpected marks %v", m)
	}
}

func TestCloneDetachesMarks(t *testing.T) {
	e := RankingEntry{Marks: Marks{0: decimal.NewFromInt(1)}}
	c := e.Clone()
	c.Marks[0] = decimal.NewFromInt(5)
	if !e.Marks[0].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("clone must not alias the original marks")
	}
}
