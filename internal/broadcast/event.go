package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"contest-live-service/internal/domain"
)

// EventType says which payload an Event carries.
type EventType int

const (
	EventRankings EventType = iota + 1
	EventParticipants
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventRankings:
		return "rankings"
	case EventParticipants:
		return "participants"
	case EventMessage:
		return "show_message"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one message of a live feed. Exactly one payload is set,
// selected by Type.
type Event struct {
	Type         EventType
	ContestID    string
	Version      uint64
	Rankings     []domain.RankingEntry
	Participants []domain.Participant
	Message      string
	Timestamp    time.Time
}

// Terminal reports whether the subscriber is closed after this event.
func (e Event) Terminal() bool {
	return e.Type == EventMessage
}

func rankingsEvent(snap domain.RankingSnapshot, now time.Time) Event {
	return Event{
		Type:      EventRankings,
		ContestID: snap.ContestID,
		Version:   snap.Version,
		Rankings:  snap.Entries,
		Timestamp: now,
	}
}

func participantsEvent(contestID string, ps []domain.Participant, now time.Time) Event {
	return Event{
		Type:         EventParticipants,
		ContestID:    contestID,
		Participants: ps,
		Timestamp:    now,
	}
}

// MessageEvent builds a terminal informational event.
func MessageEvent(contestID, msg string, now time.Time) Event {
	return Event{
		Type:      EventMessage,
		ContestID: contestID,
		Message:   msg,
		Timestamp: now,
	}
}

// MarshalJSON writes the wire form: rankings keyed by user id, or the
// participant list, or show_message, plus an RFC 3339 timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp.UTC().Format(time.RFC3339)
	switch e.Type {
	case EventRankings:
		byUser := make(map[string]domain.RankingEntry, len(e.Rankings))
		for _, r := range e.Rankings {
			byUser[r.UserID] = r
		}
		return json.Marshal(struct {
			Rankings  map[string]domain.RankingEntry `json:"rankings"`
			Timestamp string                         `json:"timestamp"`
		}{byUser, ts})
	case EventParticipants:
		ps := e.Participants
		if ps == nil {
			ps = []domain.Participant{}
		}
		return json.Marshal(struct {
			Participants []domain.Participant `json:"participants"`
			Timestamp    string               `json:"timestamp"`
		}{ps, ts})
	case EventMessage:
		return json.Marshal(struct {
			ShowMessage string `json:"show_message"`
			Timestamp   string `json:"timestamp"`
		}{e.Message, ts})
	default:
		return nil, fmt.Errorf("marshal event: unknown type %d", int(e.Type))
	}
}
