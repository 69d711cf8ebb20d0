package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"contest-live-service/internal/broadcast"
	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "contest.live"

type publisher interface {
	Publish(subject string, data []byte) error
}

// Mirror republishes live feed events on NATS so other services (reward
// payout, dashboards) can follow a contest without holding a stream open.
// Events go to <prefix>.<contest_id> with the same JSON the clients see.
type Mirror struct {
	pub    publisher
	prefix string
}

func NewMirror(nc *nats.Conn, prefix string) *Mirror {
	return newMirror(nc, prefix)
}

func newMirror(pub publisher, prefix string) *Mirror {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Mirror{pub: pub, prefix: prefix}
}

func (m *Mirror) Subject(contestID string) string {
	return m.prefix + "." + contestID
}

func (m *Mirror) Publish(ctx context.Context, ev broadcast.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.pub.Publish(m.Subject(ev.ContestID), b); err != nil {
		return fmt.Errorf("publish to nats: %w", err)
	}
	return nil
}

// Connect dials the server with reconnects enabled for the lifetime of the
// process.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("contest-live-service"),
		nats.MaxReconnects(-1),
	)
}
