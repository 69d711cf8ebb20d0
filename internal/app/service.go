package app

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"contest-live-service/internal/auth"
	"contest-live-service/internal/broadcast"
	"contest-live-service/internal/domain"
	"contest-live-service/internal/logging"
	"contest-live-service/internal/ranking"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shopspring/decimal"
)

// TokenDecoder validates contest tokens.
type TokenDecoder interface {
	Decode(token string) (auth.Claims, error)
}

// ContestRepository loads contest content (from cache/backing store).
type ContestRepository interface {
	GetContest(ctx context.Context, contestID string) (domain.Contest, error)
}

// Grader grades one submission against one question.
type Grader interface {
	Grade(ctx context.Context, question domain.Question, sub domain.Submission) domain.SubmissionResult
}

// Service wires token validation, grading, ranking and the live feed.
type Service struct {
	tokens    TokenDecoder
	contests  ContestRepository
	grader    Grader
	store     *ranking.Store
	hub       *broadcast.Hub
	persister ranking.Persister
	writer    *ranking.AsyncWriter
	now       func() time.Time
	retain    time.Duration
	timers    *xsync.MapOf[string, *time.Timer]
	states    *xsync.MapOf[string, *contestState]
	logger    *slog.Logger
}

// contestState serializes opening and releasing a contest's board and
// feed, so neither is ever visible without the other.
type contestState struct {
	mu       sync.Mutex
	open     bool
	released bool
}

// DefaultRetention is how long an ended contest stays in memory before it
// is released.
const DefaultRetention = 5 * time.Minute

// Deps collects what a Service needs. Persister and Writer are optional.
type Deps struct {
	Tokens    TokenDecoder
	Contests  ContestRepository
	Grader    Grader
	Store     *ranking.Store
	Hub       *broadcast.Hub
	Persister ranking.Persister
	Writer    *ranking.AsyncWriter
	Now       func() time.Time
	// Retain is how long an ended contest stays in memory. Zero means
	// DefaultRetention and a negative value keeps it forever. Without a
	// Persister contests are never released.
	Retain time.Duration
	Logger *slog.Logger
}

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Retain == 0 {
		d.Retain = DefaultRetention
	}
	return &Service{
		tokens:    d.Tokens,
		contests:  d.Contests,
		grader:    d.Grader,
		store:     d.Store,
		hub:       d.Hub,
		persister: d.Persister,
		writer:    d.Writer,
		now:       d.Now,
		retain:    d.Retain,
		timers:    xsync.NewMapOf[string, *time.Timer](),
		states:    xsync.NewMapOf[string, *contestState](),
		logger:    d.Logger,
	}
}

// CodeVerdict is the answer to a contest submission.
type CodeVerdict struct {
	Message string
	Result  domain.SubmissionResult
}

// QuizVerdict is the answer to a quiz submission.
type QuizVerdict struct {
	Message        string
	CorrectAnswers int
	TotalQuestions int
	Results        []domain.SubmissionResult
}

// SubmitCode grades code for one contest question and records the score.
func (s *Service) SubmitCode(ctx context.Context, token string, questionID int, code, language string) (CodeVerdict, error) {
	claims, contest, err := s.admit(ctx, token, domain.KindContest)
	if err != nil {
		return CodeVerdict{}, err
	}
	if !contest.HasQuestion(questionID) || !claims.AllowsQuestion(questionID) {
		return CodeVerdict{}, domain.ErrQuestionNotFound
	}
	if code == "" {
		return CodeVerdict{}, domain.ErrInvalidSubmission
	}
	ctx = logging.WithContest(ctx, contest.ID, claims.UserID)

	result := s.grader.Grade(ctx, contest.Questions[questionID], domain.Submission{
		QuestionID: questionID,
		Code:       code,
		Language:   language,
	})

	s.join(contest.ID, claims.Participant())
	snap, changed, err := s.store.UpsertScore(contest.ID, claims.UserID, claims.Participant(), questionID, result.MarksAwarded)
	if err != nil {
		return CodeVerdict{}, err
	}
	if changed {
		s.published(snap)
	}
	logging.FromContext(ctx).Debug("graded submission", "question", questionID, "correct", result.IsCorrect, "marks", result.MarksAwarded)
	return CodeVerdict{Message: "Code submitted successfully", Result: result}, nil
}

// SubmitQuiz grades every answer of a quiz submission. Unknown question
// indices reject the whole submission before anything is recorded.
func (s *Service) SubmitQuiz(ctx context.Context, token string, answers map[int]string) (QuizVerdict, error) {
	claims, contest, err := s.admit(ctx, token, domain.KindQuiz)
	if err != nil {
		return QuizVerdict{}, err
	}
	if len(answers) == 0 {
		return QuizVerdict{}, domain.ErrInvalidSubmission
	}
	questions := make([]int, 0, len(answers))
	for q := range answers {
		if !contest.HasQuestion(q) || !claims.AllowsQuestion(q) {
			return QuizVerdict{}, domain.ErrQuestionNotFound
		}
		questions = append(questions, q)
	}
	sort.Ints(questions)

	s.join(contest.ID, claims.Participant())

	verdict := QuizVerdict{
		Message:        "Quiz submitted successfully",
		TotalQuestions: len(contest.Questions),
		Results:        make([]domain.SubmissionResult, 0, len(questions)),
	}
	marks := make(map[int]decimal.Decimal, len(questions))
	for _, q := range questions {
		result := s.grader.Grade(ctx, contest.Questions[q], domain.Submission{QuestionID: q, Option: answers[q]})
		marks[q] = result.MarksAwarded
		if result.IsCorrect {
			verdict.CorrectAnswers++
		}
		verdict.Results = append(verdict.Results, result)
	}

	// The answers land together or not at all.
	snap, changed, err := s.store.UpsertScores(contest.ID, claims.UserID, claims.Participant(), marks)
	if err != nil {
		return QuizVerdict{}, err
	}
	if changed {
		s.published(snap)
	}
	return verdict, nil
}

// Subscribe attaches conn to the live feed of the token's contest. An
// empty kind accepts contests and quizzes alike. The subscriber is
// registered before its owner joins, so the join itself reaches the new
// connection as a participant delta.
func (s *Service) Subscribe(ctx context.Context, token string, kind domain.Kind, conn broadcast.Conn) (*broadcast.Subscription, error) {
	claims, contest, err := s.admit(ctx, token, kind)
	if err != nil {
		return nil, err
	}
	sub, err := s.hub.Subscribe(contest.ID, conn)
	if err != nil {
		return nil, err
	}
	s.join(contest.ID, claims.Participant())
	return sub, nil
}

// Ranking returns the current, or once ended the final, ranking of the
// token's contest. It is readable in every phase.
func (s *Service) Ranking(ctx context.Context, token string) (domain.RankingSnapshot, error) {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		return domain.RankingSnapshot{}, err
	}
	for attempt := 0; ; attempt++ {
		if _, err := s.ensureOpen(ctx, claims.ContestID); err != nil {
			return domain.RankingSnapshot{}, err
		}
		snap, err := s.store.GetSnapshot(claims.ContestID)
		// A release may land between opening and reading.
		if errors.Is(err, domain.ErrContestNotFound) && attempt < 2 {
			continue
		}
		return snap, err
	}
}

// Contest resolves the contest a token points to, for callers that need
// its kind before anything else happens.
func (s *Service) Contest(ctx context.Context, token string) (domain.Contest, error) {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		return domain.Contest{}, err
	}
	return s.contests.GetContest(ctx, claims.ContestID)
}

// Close ends every live feed and stops pending end-of-contest timers.
func (s *Service) Close(ctx context.Context) {
	s.timers.Range(func(id string, t *time.Timer) bool {
		t.Stop()
		s.timers.Delete(id)
		return true
	})
	s.hub.Shutdown(ctx, "The live feed is restarting, please reconnect")
}

// admit validates the token, opens its contest and checks the live window.
// An empty kind accepts both contests and quizzes.
func (s *Service) admit(ctx context.Context, token string, kind domain.Kind) (auth.Claims, domain.Contest, error) {
	claims, err := s.tokens.Decode(token)
	if err != nil {
		return auth.Claims{}, domain.Contest{}, err
	}
	if kind != "" && claims.Kind != "" && claims.Kind != kind {
		return auth.Claims{}, domain.Contest{}, domain.ErrWrongContestKind
	}
	contest, err := s.ensureOpen(ctx, claims.ContestID)
	if err != nil {
		return auth.Claims{}, domain.Contest{}, err
	}
	if kind != "" && contest.Kind != kind {
		return auth.Claims{}, contest, domain.ErrWrongContestKind
	}

	now := s.now()
	if err := domain.PhaseError(contest.Phase(now)); err != nil {
		return auth.Claims{}, contest, err
	}
	if err := domain.PhaseError(tokenWindow(claims).Phase(now)); err != nil {
		return auth.Claims{}, contest, err
	}
	return claims, contest, nil
}

// tokenWindow is the live window a token was issued for. Missing bounds
// leave the window open on that side.
func tokenWindow(c auth.Claims) domain.Contest {
	w := domain.Contest{StartTime: c.StartTime, EndTime: c.EndTime}
	if w.EndTime == 0 {
		w.EndTime = 1<<62 - 1
	}
	return w
}

// ensureOpen loads the contest and, the first time, opens its board and
// its feed together.
func (s *Service) ensureOpen(ctx context.Context, contestID string) (domain.Contest, error) {
	contest, err := s.contests.GetContest(ctx, contestID)
	if err != nil {
		return domain.Contest{}, err
	}
	for {
		st, _ := s.states.LoadOrCompute(contestID, func() *contestState { return &contestState{} })
		st.mu.Lock()
		if st.released {
			// Lost a race with release; the next state starts fresh.
			st.mu.Unlock()
			continue
		}
		if !st.open {
			s.open(ctx, contest)
			st.open = true
		}
		st.mu.Unlock()
		return contest, nil
	}
}

func (s *Service) open(ctx context.Context, contest domain.Contest) {
	var seed *domain.RankingSnapshot
	if s.persister != nil {
		snap, ok, err := s.persister.LoadSnapshot(ctx, contest.ID)
		switch {
		case err != nil:
			s.logger.Warn("failed to restore ranking snapshot", "contest_id", contest.ID, "error", err)
		case ok:
			seed = &snap
		}
	}
	s.store.Open(contest, seed)
	if s.hub.Open(contest.ID) {
		s.scheduleFinish(contest)
	}
}

func (s *Service) scheduleFinish(contest domain.Contest) {
	delay := contest.Ends().Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	t := time.AfterFunc(delay, func() { s.finish(contest) })
	s.timers.Store(contest.ID, t)
}

func (s *Service) finish(contest domain.Contest) {
	snap, err := s.store.GetSnapshot(contest.ID)
	if err != nil {
		s.timers.Delete(contest.ID)
		s.logger.Warn("failed to read final ranking", "contest_id", contest.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.hub.Finish(ctx, contest.ID, snap, EndMessage(contest.Kind)); err != nil {
		s.logger.Warn("failed to close live feed", "contest_id", contest.ID, "error", err)
	}
	if s.writer != nil {
		s.writer.Enqueue(snap)
	}
	s.logger.Info("contest ended", "contest_id", contest.ID, "entries", len(snap.Entries))

	if s.persister == nil || s.retain < 0 {
		s.timers.Delete(contest.ID)
		return
	}
	t := time.AfterFunc(s.retain, func() { s.release(contest.ID) })
	s.timers.Store(contest.ID, t)
}

// release persists the final ranking of an ended contest and drops its
// board and feed. Later reads reopen it from the persisted snapshot.
func (s *Service) release(contestID string) {
	st, ok := s.states.Load(contestID)
	if !ok {
		s.timers.Delete(contestID)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	snap, err := s.store.GetSnapshot(contestID)
	if err != nil {
		s.timers.Delete(contestID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.persister.SaveSnapshot(ctx, snap); err != nil {
		s.logger.Warn("failed to persist ranking before release, retrying later", "contest_id", contestID, "error", err)
		s.timers.Store(contestID, time.AfterFunc(s.retain, func() { s.release(contestID) }))
		return
	}
	s.timers.Delete(contestID)
	if !s.hub.Remove(contestID) {
		return
	}
	s.store.Evict(contestID)
	st.released = true
	s.states.Delete(contestID)
	s.logger.Debug("released ended contest", "contest_id", contestID)
}

func (s *Service) join(contestID string, p domain.Participant) {
	_, added, err := s.store.Join(contestID, p)
	if err != nil {
		return
	}
	if added {
		s.hub.PublishParticipantJoin(contestID, p)
	}
}

// published fans a changed snapshot out and schedules its persistence.
func (s *Service) published(snap domain.RankingSnapshot) {
	s.hub.PublishRankingUpdate(snap.ContestID, snap)
	if s.writer != nil {
		s.writer.Enqueue(snap)
	}
}

// EndMessage is the terminal feed message once a contest is over.
func EndMessage(kind domain.Kind) string {
	if kind == domain.KindQuiz {
		return "This quiz is over now"
	}
	return "This contest has ended"
}

// RejectionMessage explains why a closed contest refused a request.
func RejectionMessage(kind domain.Kind, err error) string {
	switch {
	case errors.Is(err, domain.ErrContestNotStarted):
		if kind == domain.KindQuiz {
			return "This quiz has not started yet"
		}
		return "This contest has not started yet"
	case errors.Is(err, domain.ErrContestEnded) && kind == domain.KindQuiz:
		return "This quiz is over now"
	default:
		return "This contest is not live"
	}
}
