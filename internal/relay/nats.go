package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS carries envelopes over a NATS connection so several nodes can share fan-out.
// Subjects are prefix + target with characters NATS treats specially replaced.
type NATS struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// DialNATS connects to url and returns a relay publishing under prefix.
func DialNATS(url, prefix string, log *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("chiffer-relay"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATS(nc, prefix, log), nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, prefix string, log *zap.Logger) *NATS {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATS{nc: nc, prefix: prefix, log: log}
}

var subjectEscaper = strings.NewReplacer(" ", "_", "*", "_", ">", "_")

// Subject maps a logical target onto a NATS subject.
func (n *NATS) Subject(target string) string {
	return n.prefix + subjectEscaper.Replace(target)
}

func (n *NATS) Publish(ctx context.Context, target string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.Subject(target), data)
}

func (n *NATS) Subscribe(target string, h Handler) (Subscription, error) {
	subject := n.Subject(target)
	sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			n.log.Warn("relay: bad envelope", zap.String("subject", subject), zap.Error(err))
			return
		}
		h(env)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains pending deliveries and closes the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Kind == "" || len(env.Frame) == 0 {
		return Envelope{}, fmt.Errorf("envelope without kind or frame")
	}
	return env, nil
}
