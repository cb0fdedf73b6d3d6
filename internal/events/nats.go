package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultSubjectPrefix is prepended to the outcome kind.
const DefaultSubjectPrefix = "debatenow.match"

type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSPublisher publishes outcomes as JSON to <prefix>.<kind>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	opts := []nats.Option{
		nats.Name("debatenow"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject outcomes of kind are published on.
func (p *NATSPublisher) Subject(kind string) string {
	return fmt.Sprintf("%s.%s", p.prefix, kind)
}

func (p *NATSPublisher) Publish(ctx context.Context, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	msg := &nats.Msg{
		Subject: p.Subject(o.Kind),
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{o.Kind},
			"Match-ID":   []string{o.MatchID},
			"Event-ID":   []string{o.ID},
		},
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	log.Debug().Str("subject", msg.Subject).Str("match_id", o.MatchID).Msg("Published outcome")
	return nil
}

// Subscribe delivers every outcome published under the prefix until ctx
// ends.
func (p *NATSPublisher) Subscribe(ctx context.Context, handle func(Outcome)) error {
	sub, err := p.nc.Subscribe(p.prefix+".>", func(msg *nats.Msg) {
		var o Outcome
		if err := json.Unmarshal(msg.Data, &o); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed outcome")
			return
		}
		handle(o)
	})
	if err != nil {
		return fmt.Errorf("subscribe to outcomes: %w", err)
	}
	context.AfterFunc(ctx, func() { sub.Unsubscribe() })
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
