package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSSink publishes entries as JSON on <prefix>.<owner>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSSink(url, prefix string) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("knot-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("system", "audit").Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("system", "audit").Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

func (s *NATSSink) Log(_ context.Context, e Entry) error {
	if s.nc == nil || s.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.nc.Publish(Subject(s.prefix, e.Owner), payload)
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}

// Subject builds the subject an owner's entries are published on. Characters
// that NATS treats as separators or wildcards are replaced.
func Subject(prefix, owner string) string {
	if owner == "" {
		owner = "_system"
	}
	owner = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, owner)
	return prefix + "." + owner
}
