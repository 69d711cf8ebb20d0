package http

import (
	"encoding/json"
	"net/http"

	"contest-live-service/internal/domain"
	"github.com/go-chi/httplog/v2"
	"github.com/shopspring/decimal"
)

type codeRequest struct {
	ContestToken string `json:"contest_token"`
	QuestionID   *int   `json:"question_id"`
	Code         string `json:"code"`
	Language     string `json:"language"`
}

type codeResponse struct {
	Message   string                  `json:"message"`
	Output    []domain.TestCaseResult `json:"output"`
	IsCorrect bool                    `json:"iscorrect"`
	Marks     decimal.Decimal         `json:"marks"`
}

type quizRequest struct {
	QuizToken string         `json:"quiz_token"`
	Answers   map[int]string `json:"answers"`
}

type quizResponse struct {
	Message        string `json:"message"`
	CorrectAnswers int    `json:"correctAnswers"`
	TotalQuestions int    `json:"totalQuestions"`
}

func (s *Server) submitCode(w http.ResponseWriter, r *http.Request) {
	logger := httplog.LogEntry(r.Context())

	var req codeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.QuestionID == nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Message: "Invalid request body"})
		return
	}

	verdict, err := s.service.SubmitCode(r.Context(), req.ContestToken, *req.QuestionID, req.Code, req.Language)
	if err != nil {
		writeError(logger, w, domain.KindContest, err)
		return
	}
	writeJSON(w, http.StatusOK, newCodeResponse(verdict.Message, verdict.Result))
}

func newCodeResponse(message string, res domain.SubmissionResult) codeResponse {
	output := res.TestCases
	if output == nil {
		output = []domain.TestCaseResult{}
	}
	return codeResponse{
		Message:   message,
		Output:    output,
		IsCorrect: res.IsCorrect,
		Marks:     res.MarksAwarded,
	}
}

func (s *Server) submitQuiz(w http.ResponseWriter, r *http.Request) {
	logger := httplog.LogEntry(r.Context())

	var req quizRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Message: "Invalid request body"})
		return
	}

	verdict, err := s.service.SubmitQuiz(r.Context(), req.QuizToken, req.Answers)
	if err != nil {
		writeError(logger, w, domain.KindQuiz, err)
		return
	}
	writeJSON(w, http.StatusOK, quizResponse{
		Message:        verdict.Message,
		CorrectAnswers: verdict.CorrectAnswers,
		TotalQuestions: verdict.TotalQuestions,
	})
}
