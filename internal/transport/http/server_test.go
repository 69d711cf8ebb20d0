package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"contest-live-service/internal/app"
	"contest-live-service/internal/auth"
	"contest-live-service/internal/broadcast"
	"contest-live-service/internal/domain"
	"contest-live-service/internal/grader"
	"contest-live-service/internal/infra/memory"
	"contest-live-service/internal/logging"
	"contest-live-service/internal/ranking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testSecret = "transport-secret"

// fakeGrader accepts exactly "print(42)" for code questions.
type fakeGrader struct{}

func (fakeGrader) Grade(_ context.Context, q domain.Question, sub domain.Submission) domain.SubmissionResult {
	if sub.IsQuiz() {
		return grader.GradeQuiz(q, sub.QuestionID, sub.Option)
	}
	correct := sub.Code == "print(42)"
	marks := decimal.Zero
	if correct {
		marks = q.MaxMarks
	}
	return domain.SubmissionResult{
		QuestionID:   sub.QuestionID,
		TestCases:    []domain.TestCaseResult{{ExpectedOutput: "42", ActualOutput: "42", IsCorrect: correct}},
		IsCorrect:    correct,
		MarksAwarded: marks,
	}
}

type testEnv struct {
	server  *httptest.Server
	gate    *auth.Gate
	service *app.Service
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	now := time.Now().Unix()
	contests := map[string]domain.Contest{
		"contest-1": {
			ID:        "contest-1",
			Kind:      domain.KindContest,
			Questions: []domain.Question{{MaxMarks: decimal.NewFromInt(10)}},
			StartTime: now - 60,
			EndTime:   now + 3600,
		},
		"quiz-1": {
			ID:   "quiz-1",
			Kind: domain.KindQuiz,
			Questions: []domain.Question{
				{MaxMarks: decimal.NewFromInt(1), Options: []string{"3", "4"}, CorrectOption: "4"},
				{MaxMarks: decimal.NewFromInt(1), Options: []string{"a", "b"}, CorrectOption: "a"},
			},
			StartTime: now - 60,
			EndTime:   now + 3600,
		},
		"later": {
			ID:        "later",
			Kind:      domain.KindContest,
			Questions: []domain.Question{{MaxMarks: decimal.NewFromInt(10)}},
			StartTime: now + 3600,
			EndTime:   now + 7200,
		},
	}

	store := ranking.NewStore(nil)
	hub := broadcast.NewHub(store, broadcast.Options{}, nil, nil)
	gate := auth.NewGate(testSecret)
	service := app.NewService(app.Deps{
		Tokens:   gate,
		Contests: memory.NewContestRepository(memory.NewStaticContestLoader(contests), time.Minute),
		Grader:   fakeGrader{},
		Store:    store,
		Hub:      hub,
		Logger:   logging.Discard(),
	})
	server := httptest.NewServer(NewRouter(service, opts))
	t.Cleanup(func() {
		service.Close(context.Background())
		server.Close()
	})
	return &testEnv{server: server, gate: gate, service: service}
}

func (e *testEnv) token(t *testing.T, userID, contestID string, kind domain.Kind) string {
	t.Helper()
	token, err := e.gate.Sign(auth.Claims{
		UserID:    userID,
		Name:      "name-" + userID,
		ContestID: contestID,
		Kind:      kind,
	}, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// feedReader yields the non-blank lines of an NDJSON stream.
type feedReader struct {
	t    *testing.T
	scan *bufio.Scanner
}

func openFeed(t *testing.T, url string) (*http.Response, *feedReader) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	return resp, &feedReader{t: t, scan: bufio.NewScanner(resp.Body)}
}

func (f *feedReader) next() map[string]any {
	f.t.Helper()
	lines := make(chan string, 1)
	go func() {
		for f.scan.Scan() {
			if line := strings.TrimSpace(f.scan.Text()); line != "" {
				lines <- line
				return
			}
		}
		close(lines)
	}()
	select {
	case line, ok := <-lines:
		if !ok {
			f.t.Fatalf("feed closed")
		}
		var ev map[string]any
		require.NoError(f.t, json.Unmarshal([]byte(line), &ev))
		return ev
	case <-time.After(3 * time.Second):
		f.t.Fatalf("timed out waiting for feed line")
		return nil
	}
}

func (f *feedReader) closed() bool {
	for f.scan.Scan() {
		if strings.TrimSpace(f.scan.Text()) != "" {
			return false
		}
	}
	return true
}

func TestSubmitCode(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, "u1", "contest-1", domain.KindContest)

	status, body := env.post(t, "/contests/submit", map[string]any{
		"contest_token": token,
		"question_id":   0,
		"code":          "print(42)",
		"language":      "python3",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Code submitted successfully", body["message"])
	require.Equal(t, true, body["iscorrect"])
	require.Equal(t, float64(10), body["marks"])
	require.Len(t, body["output"], 1)

	status, body = env.post(t, "/contests/submit", map[string]any{
		"contest_token": token,
		"question_id":   0,
		"code":          "print(41)",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["iscorrect"])
	require.Equal(t, float64(0), body["marks"])
}

func TestSubmitCodeRejections(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, "u1", "contest-1", domain.KindContest)

	tests := []struct {
		name    string
		body    map[string]any
		status  int
		message string
	}{
		{
			name:    "bad token",
			body:    map[string]any{"contest_token": "garbage", "question_id": 0, "code": "x"},
			status:  http.StatusUnauthorized,
			message: "Invalid or expired token",
		},
		{
			name:    "unknown question",
			body:    map[string]any{"contest_token": token, "question_id": 7, "code": "x"},
			status:  http.StatusNotFound,
			message: "Question not found",
		},
		{
			name:    "quiz token",
			body:    map[string]any{"contest_token": env.token(t, "u1", "quiz-1", domain.KindQuiz), "question_id": 0, "code": "x"},
			status:  http.StatusForbidden,
			message: "This token is not valid here",
		},
		{
			name:    "not started",
			body:    map[string]any{"contest_token": env.token(t, "u1", "later", domain.KindContest), "question_id": 0, "code": "x"},
			status:  http.StatusForbidden,
			message: "This contest has not started yet",
		},
		{
			name:    "unknown contest",
			body:    map[string]any{"contest_token": env.token(t, "u1", "nope", domain.KindContest), "question_id": 0, "code": "x"},
			status:  http.StatusNotFound,
			message: "Contest not found",
		},
		{
			name:    "missing question",
			body:    map[string]any{"contest_token": token, "code": "x"},
			status:  http.StatusBadRequest,
			message: "Invalid request body",
		},
		{
			name:    "empty code",
			body:    map[string]any{"contest_token": token, "question_id": 0, "code": ""},
			status:  http.StatusBadRequest,
			message: "Invalid submission",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.post(t, "/contests/submit", tt.body)
			require.Equal(t, tt.status, status)
			require.Equal(t, tt.message, body["message"])
		})
	}
}

func TestSubmitQuiz(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, "u1", "quiz-1", domain.KindQuiz)

	status, body := env.post(t, "/quizzes/submit", map[string]any{
		"quiz_token": token,
		"answers":    map[string]string{"0": "4", "1": "b"},
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Quiz submitted successfully", body["message"])
	require.Equal(t, float64(1), body["correctAnswers"])
	require.Equal(t, float64(2), body["totalQuestions"])

	status, body = env.post(t, "/quizzes/submit", map[string]any{
		"quiz_token": token,
		"answers":    map[string]string{"5": "x"},
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "Question not found", body["message"])
}

func TestLiveFeedStreamsRankings(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, "u1", "contest-1", domain.KindContest)

	resp, feed := openFeed(t, env.server.URL+"/contests/live?token="+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	first := feed.next()
	require.Equal(t, map[string]any{}, first["rankings"])
	require.NotEmpty(t, first["timestamp"])
	require.Equal(t, []any{}, feed.next()["participants"])

	joined := feed.next()["participants"].([]any)
	require.Len(t, joined, 1)
	require.Equal(t, "u1", joined[0].(map[string]any)["user_id"])

	status, _ := env.post(t, "/contests/submit", map[string]any{
		"contest_token": token,
		"question_id":   0,
		"code":          "print(42)",
	})
	require.Equal(t, http.StatusOK, status)

	rankings := feed.next()["rankings"].(map[string]any)
	entry := rankings["u1"].(map[string]any)
	require.Equal(t, float64(10), entry["total_marks"])
	require.Equal(t, float64(1), entry["rank"])

	env.service.Close(context.Background())
	feed.next() // final rankings
	msg := feed.next()
	require.Equal(t, "The live feed is restarting, please reconnect", msg["show_message"])
	require.True(t, feed.closed())
}

func TestLiveFeedRejections(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, feed := openFeed(t, env.server.URL+"/contests/live?token="+env.token(t, "u1", "later", domain.KindContest))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "This contest has not started yet", feed.next()["show_message"])
	require.True(t, feed.closed())

	resp, feed = openFeed(t, env.server.URL+"/contests/live?token="+env.token(t, "u1", "quiz-1", domain.KindQuiz))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "This token is not valid here", feed.next()["show_message"])
	require.True(t, feed.closed())

	resp, feed = openFeed(t, env.server.URL+"/quizzes/live?token=bogus")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Invalid or expired token", feed.next()["show_message"])
	require.True(t, feed.closed())
}

func TestRankingsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, "u1", "contest-1", domain.KindContest)

	status, _ := env.post(t, "/contests/submit", map[string]any{
		"contest_token": token,
		"question_id":   0,
		"code":          "print(42)",
	})
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(env.server.URL + "/rankings?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap domain.RankingSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, "contest-1", snap.ContestID)
	require.Len(t, snap.Entries, 1)
	require.True(t, snap.Entries[0].TotalMarks.Equal(decimal.NewFromInt(10)))
	require.Len(t, snap.Participants, 1)
}

func TestSubmitRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{SubmitRate: 0.001, SubmitBurst: 1})
	body := map[string]any{
		"contest_token": env.token(t, "u1", "contest-1", domain.KindContest),
		"question_id":   0,
		"code":          "print(42)",
	}

	status, _ := env.post(t, "/contests/submit", body)
	require.Equal(t, http.StatusOK, status)
	status, resp := env.post(t, "/contests/submit", body)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "Too many submissions, slow down", resp["message"])
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{Metrics: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})})

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIPRateLimiterPerIP(t *testing.T) {
	l := NewIPRateLimiter(0.001, 1)
	require.True(t, l.Limiter("10.0.0.1").Allow())
	require.False(t, l.Limiter("10.0.0.1").Allow())
	require.True(t, l.Limiter("10.0.0.2").Allow())
}

func TestIPRateLimiterSweepsIdleBucketsPeriodically(t *testing.T) {
	l := NewIPRateLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i <= cleanupThreshold; i++ {
		l.Limiter(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	require.Len(t, l.ips, cleanupThreshold+1)

	now = now.Add(maxIdleAge + time.Second)
	l.Limiter("192.168.0.1")
	require.Len(t, l.ips, 1)

	// Refill past the threshold with stale buckets; the next sweep waits.
	now = now.Add(-2 * maxIdleAge)
	for i := 0; i <= cleanupThreshold; i++ {
		l.ips[fmt.Sprintf("172.16.%d.%d", i/256, i%256)] = &ipEntry{limiter: rate.NewLimiter(1, 1), lastSeen: now}
	}
	now = now.Add(2*maxIdleAge + time.Second)
	l.Limiter("192.168.0.2")
	require.Len(t, l.ips, cleanupThreshold+3)

	now = now.Add(sweepInterval)
	l.Limiter("192.168.0.3")
	require.Len(t, l.ips, 3)
}
