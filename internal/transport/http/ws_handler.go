package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"contest-live-service/internal/app"
	"contest-live-service/internal/broadcast"
	"contest-live-service/internal/domain"
	"github.com/go-chi/httplog/v2"
	"github.com/gorilla/websocket"
)

var errSocketClosed = errors.New("websocket closed")

type WSHandler struct {
	service      *app.Service
	upgrader     websocket.Upgrader
	keepAlive    time.Duration
	writeTimeout time.Duration
}

func NewWSHandler(service *app.Service, opts Options) *WSHandler {
	opts = opts.withDefaults()
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = struct{}{}
	}
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
		keepAlive:    opts.KeepAlive,
		writeTimeout: opts.WriteTimeout,
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type submitPayload struct {
	QuestionID int    `json:"question_id"`
	Code       string `json:"code"`
	Language   string `json:"language"`
}

type answersPayload struct {
	Answers map[int]string `json:"answers"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// wsFeed adapts the socket's send queue to broadcast.Conn.
type wsFeed struct {
	send   chan<- outboundMessage[any]
	closed <-chan struct{}
}

func (f wsFeed) Send(ev broadcast.Event) error {
	select {
	case f.send <- outboundMessage[any]{Type: ev.Type.String(), Payload: ev}:
		return nil
	case <-f.closed:
		return errSocketClosed
	}
}

// ServeWS upgrades the request and carries the contest feed over the
// socket. Participants may also submit through it.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	logger := httplog.LogEntry(r.Context())
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorPayload{Message: "missing token"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	kind := domain.KindContest
	if contest, err := h.service.Contest(r.Context(), token); err == nil {
		kind = contest.Kind
	}

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	go h.writeLoop(conn, send, writerDone)

	sub, err := h.service.Subscribe(r.Context(), token, "", wsFeed{send: send, closed: closeSignals})
	if err != nil {
		send <- outboundMessage[any]{
			Type:    broadcast.EventMessage.String(),
			Payload: broadcast.MessageEvent("", messageFor(kind, err), time.Now()),
		}
		close(send)
		<-writerDone
		return
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		reply := h.handleInbound(r, token, kind, inbound)
		select {
		case send <- reply:
		case <-sub.Done():
		}
	}

	close(closeSignals)
	sub.Close()
	<-sub.Done()
	close(send)
	<-writerDone
}

func (h *WSHandler) handleInbound(r *http.Request, token string, kind domain.Kind, in inboundMessage) outboundMessage[any] {
	fail := func(msg string) outboundMessage[any] {
		return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: msg}}
	}

	switch in.Type {
	case "submit":
		var p submitPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return fail("invalid submit payload")
		}
		verdict, err := h.service.SubmitCode(r.Context(), token, p.QuestionID, p.Code, p.Language)
		if err != nil {
			return fail(messageFor(kind, err))
		}
		return outboundMessage[any]{Type: "submitResult", Payload: newCodeResponse(verdict.Message, verdict.Result)}
	case "answers":
		var p answersPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return fail("invalid answers payload")
		}
		verdict, err := h.service.SubmitQuiz(r.Context(), token, p.Answers)
		if err != nil {
			return fail(messageFor(kind, err))
		}
		return outboundMessage[any]{Type: "quizResult", Payload: quizResponse{
			Message:        verdict.Message,
			CorrectAnswers: verdict.CorrectAnswers,
			TotalQuestions: verdict.TotalQuestions,
		}}
	default:
		return fail("unsupported message type")
	}
}

// writeLoop owns every write on conn. A terminal show_message closes the
// socket after it is written. After a write error the loop keeps draining
// send so producers never block on a dead socket.
func (h *WSHandler) writeLoop(conn *websocket.Conn, send <-chan outboundMessage[any], done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()

	broken := false
	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			if broken {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				broken = true
				_ = conn.Close()
				continue
			}
			if msg.Type == broadcast.EventMessage.String() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout))
				broken = true
				_ = conn.Close()
			}
		case <-ping.C:
			if broken {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				broken = true
				_ = conn.Close()
			}
		}
	}
}
