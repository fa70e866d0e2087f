package hub

import (
	"context"

	"github.com/ernie/imuhub/internal/domain"
)

// Recorder is the durable store as seen by the hub. Calls are made inline
// with a bounded context; errors are logged and otherwise ignored.
type Recorder interface {
	RecordEvent(ctx context.Context, rec domain.EventRecord) error
	SaveMatch(ctx context.Context, m *domain.Match) error
	RecordResult(ctx context.Context, m *domain.Match) error
}

// Observer receives every accepted inbound frame. Implementations must not
// block; the hub does not wait for them and never sees their errors.
type Observer interface {
	ObserveEvent(rec domain.EventRecord)
}

// Publisher receives the match and device lifecycle messages the hub sends
// to ue listeners, already encoded. Same rules as Observer.
type Publisher interface {
	Publish(msgType string, data []byte)
}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(context.Context, domain.EventRecord) error { return nil }
func (nopRecorder) SaveMatch(context.Context, *domain.Match) error        { return nil }
func (nopRecorder) RecordResult(context.Context, *domain.Match) error     { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(string, []byte) {}
