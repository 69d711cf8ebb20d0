package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"contest-live-service/internal/broadcast"
	"contest-live-service/internal/domain"
	"github.com/go-chi/httplog/v2"
)

// streamConn writes feed events as newline-delimited JSON. Send is called
// from the subscription writer and the heartbeat from the handler, so
// writes are serialized.
type streamConn struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	rc           *http.ResponseController
	enc          *json.Encoder
	writeTimeout time.Duration
}

func newStreamConn(w http.ResponseWriter, writeTimeout time.Duration) *streamConn {
	return &streamConn{
		w:            w,
		rc:           http.NewResponseController(w),
		enc:          json.NewEncoder(w),
		writeTimeout: writeTimeout,
	}
}

func (c *streamConn) Send(ev broadcast.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.extendDeadline(); err != nil {
		return err
	}
	if err := c.enc.Encode(ev); err != nil {
		return err
	}
	return c.rc.Flush()
}

// heartbeat writes an empty line; NDJSON readers skip blank lines.
func (c *streamConn) heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.extendDeadline(); err != nil {
		return err
	}
	if _, err := c.w.Write([]byte("\n")); err != nil {
		return err
	}
	return c.rc.Flush()
}

func (c *streamConn) extendDeadline() error {
	err := c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// liveFeed streams a contest's live events. The first line is always the
// full rankings; a request the contest refuses gets one show_message line.
func (s *Server) liveFeed(kind domain.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := httplog.LogEntry(r.Context())
		token := r.URL.Query().Get("token")

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		conn := newStreamConn(w, s.opts.WriteTimeout)

		sub, err := s.service.Subscribe(r.Context(), token, kind, conn)
		if err != nil {
			status := statusFor(err)
			if errors.Is(err, domain.ErrContestClosed) {
				status = http.StatusOK
			} else if status == http.StatusInternalServerError {
				logger.Error("failed to subscribe", "error", err)
			}
			w.WriteHeader(status)
			_ = conn.Send(broadcast.MessageEvent("", messageFor(kind, err), time.Now()))
			return
		}
		defer func() {
			sub.Close()
			<-sub.Done()
		}()

		ticker := time.NewTicker(s.opts.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-sub.Done():
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := conn.heartbeat(); err != nil {
					logger.Debug("feed heartbeat failed", "error", err)
					return
				}
			}
		}
	}
}
