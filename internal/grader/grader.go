package grader

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"contest-live-service/internal/domain"
	"contest-live-service/internal/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Rectangle diagnostics are trimmed to before leaving the grader.
const (
	MaxOutputHeight = 40
	MaxOutputWidth  = 80
)

const hiddenPlaceholder = "[hidden]"

// Grader turns a submission into a SubmissionResult. It holds no state
// shared between gradings apart from the concurrency limit.
type Grader struct {
	exec        Executor
	runTimeout  time.Duration
	perSubm     int
	sem         *semaphore.Weighted
	defaultLang string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Options tunes a Grader.
type Options struct {
	// Workers caps concurrent test-case runs across all submissions.
	Workers int
	// PerSubmission caps concurrent test-case runs within one submission.
	PerSubmission int
	// RunTimeout bounds a single test-case run.
	RunTimeout time.Duration
	// DefaultLanguage is used when neither question nor submission names one.
	DefaultLanguage string
}

func New(exec Executor, opts Options, m *metrics.Metrics, logger *slog.Logger) *Grader {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.PerSubmission <= 0 {
		opts.PerSubmission = opts.Workers
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Grader{
		exec:        exec,
		runTimeout:  opts.RunTimeout,
		perSubm:     opts.PerSubmission,
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		defaultLang: opts.DefaultLanguage,
		metrics:     m,
		logger:      logger,
	}
}

// Grade checks a submission against its question. It always returns a
// result; execution failures end up inside it.
func (g *Grader) Grade(ctx context.Context, question domain.Question, sub domain.Submission) domain.SubmissionResult {
	started := time.Now()
	var res domain.SubmissionResult
	kind := domain.KindContest
	if sub.IsQuiz() || len(question.TestCases) == 0 && question.CorrectOption != "" {
		kind = domain.KindQuiz
		res = GradeQuiz(question, sub.QuestionID, sub.Option)
	} else {
		res = g.gradeCode(ctx, question, sub)
	}
	g.metrics.ObserveGrading(string(kind), res.IsCorrect, time.Since(started))
	return res
}

// GradeQuiz compares the selected option with the stored one.
func GradeQuiz(question domain.Question, questionID int, option string) domain.SubmissionResult {
	correct := question.CorrectOption != "" && option == question.CorrectOption
	awarded := decimal.Zero
	if correct {
		awarded = decimal.NewFromInt(1)
	}
	return domain.SubmissionResult{
		QuestionID:   questionID,
		IsCorrect:    correct,
		MarksAwarded: awarded,
	}
}

func (g *Grader) gradeCode(ctx context.Context, question domain.Question, sub domain.Submission) domain.SubmissionResult {
	res := domain.SubmissionResult{
		QuestionID:   sub.QuestionID,
		TestCases:    make([]domain.TestCaseResult, len(question.TestCases)),
		MarksAwarded: decimal.Zero,
	}
	if len(question.TestCases) == 0 {
		return res
	}

	lang := sub.Language
	if lang == "" {
		lang = question.Language
	}
	if lang == "" {
		lang = g.defaultLang
	}

	prog, err := g.exec.Prepare(ctx, lang, sub.Code)
	if err != nil {
		g.logger.Debug("submission preparation failed", "question", sub.QuestionID, "lang", lang, "error", err)
		for i, tc := range question.TestCases {
			res.TestCases[i] = failedCase(tc, trimStrToRect(err.Error(), MaxOutputHeight, MaxOutputWidth))
		}
		return res
	}
	defer func() {
		if err := prog.Close(); err != nil {
			g.logger.Warn("failed to clean up program", "error", err)
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.perSubm)
	for i, tc := range question.TestCases {
		eg.Go(func() error {
			res.TestCases[i] = g.runCase(egCtx, prog, tc)
			return nil
		})
	}
	_ = eg.Wait()

	passed := 0
	for _, tc := range res.TestCases {
		if tc.IsCorrect {
			passed++
		}
	}
	res.IsCorrect = passed == len(res.TestCases)
	res.MarksAwarded = Award(question.MaxMarks, passed, len(res.TestCases))
	return res
}

func (g *Grader) runCase(ctx context.Context, prog Program, tc domain.TestCase) domain.TestCaseResult {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return failedCase(tc, "grading cancelled")
	}
	defer g.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, g.runTimeout)
	defer cancel()

	out, err := prog.Run(runCtx, tc.Input)
	result := domain.TestCaseResult{
		Input:          tc.Input,
		ExpectedOutput: tc.ExpectedOutput,
		ActualOutput:   out.Stdout,
		ExecutionTime:  out.Duration.Milliseconds(),
	}
	switch {
	case err != nil:
		result.Error = err.Error()
		if out.Stderr != "" {
			result.Error += ": " + strings.TrimSpace(out.Stderr)
		}
	default:
		result.IsCorrect = SameOutput(out.Stdout, tc.ExpectedOutput)
	}
	return present(result, tc.Hidden)
}

func failedCase(tc domain.TestCase, msg string) domain.TestCaseResult {
	return present(domain.TestCaseResult{
		Input:          tc.Input,
		ExpectedOutput: tc.ExpectedOutput,
		Error:          msg,
	}, tc.Hidden)
}

// present trims diagnostics and masks the data of hidden test cases.
func present(r domain.TestCaseResult, hidden bool) domain.TestCaseResult {
	if hidden {
		r.Input = hiddenPlaceholder
		r.ExpectedOutput = hiddenPlaceholder
		r.ActualOutput = hiddenPlaceholder
		return r
	}
	r.Input = trimStrToRect(r.Input, MaxOutputHeight, MaxOutputWidth)
	r.ExpectedOutput = trimStrToRect(r.ExpectedOutput, MaxOutputHeight, MaxOutputWidth)
	r.ActualOutput = trimStrToRect(r.ActualOutput, MaxOutputHeight, MaxOutputWidth)
	r.Error = trimStrToRect(r.Error, MaxOutputHeight, MaxOutputWidth)
	return r
}

// Award computes maxMarks * passed / total rounded to MarksPrecision places.
func Award(maxMarks decimal.Decimal, passed, total int) decimal.Decimal {
	if total <= 0 || passed <= 0 {
		return decimal.Zero
	}
	return maxMarks.
		Mul(decimal.NewFromInt(int64(passed))).
		Div(decimal.NewFromInt(int64(total))).
		Round(domain.MarksPrecision)
}
