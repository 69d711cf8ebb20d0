package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"contest-live-service/internal/app"
	"contest-live-service/internal/domain"
)

type errorPayload struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a service error to a status code and a message the
// participant can act on. kind picks the wording for closed contexts.
func writeError(logger *slog.Logger, w http.ResponseWriter, kind domain.Kind, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("internal server error", "error", err)
	}
	writeJSON(w, status, errorPayload{Message: messageFor(kind, err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrContestNotFound), errors.Is(err, domain.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrContestClosed), errors.Is(err, domain.ErrWrongContestKind):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidSubmission):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(kind domain.Kind, err error) string {
	switch {
	case errors.Is(err, domain.ErrContestClosed):
		return app.RejectionMessage(kind, err)
	case errors.Is(err, domain.ErrUnauthorized):
		return "Invalid or expired token"
	case errors.Is(err, domain.ErrContestNotFound):
		if kind == domain.KindQuiz {
			return "Quiz not found"
		}
		return "Contest not found"
	case errors.Is(err, domain.ErrQuestionNotFound):
		return "Question not found"
	case errors.Is(err, domain.ErrWrongContestKind):
		return "This token is not valid here"
	case errors.Is(err, domain.ErrInvalidSubmission):
		return "Invalid submission"
	default:
		return http.StatusText(http.StatusInternalServerError)
	}
}
