package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is one line of a user's audit trail.
type Entry struct {
	Time    time.Time `json:"time"`
	Subject string    `json:"subject"`
	Owner   string    `json:"owner"`
	Message string    `json:"message"`
}

// Sink receives audit entries.
type Sink interface {
	Log(ctx context.Context, e Entry) error
}

// LogSink writes entries to the process log.
type LogSink struct{}

func (LogSink) Log(_ context.Context, e Entry) error {
	log.Info().
		Str("system", "audit").
		Str("subject", e.Subject).
		Str("owner", e.Owner).
		Msg(e.Message)
	return nil
}

// Multi fans entries out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Log(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Log(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
