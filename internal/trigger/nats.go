package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"

	"github.com/aonescu/tiops/internal/evidence"
)

const natsSource = "nats"

// NATSTrigger runs an invocation for every message published on a subject and
// answers on the reply subject when one is set.
type NATSTrigger struct {
	nc        *nats.Conn
	subject   string
	runner    Runner
	providers []evidence.Provider
	timeout   time.Duration
	log       logr.Logger
	sub       *nats.Subscription
}

func NewNATSTrigger(nc *nats.Conn, subject string, runner Runner, providers []evidence.Provider, timeout time.Duration, log logr.Logger) *NATSTrigger {
	return &NATSTrigger{
		nc:        nc,
		subject:   subject,
		runner:    runner,
		providers: providers,
		timeout:   timeout,
		log:       log.WithName("nats").WithValues("subject", subject),
	}
}

// Connect dials url with reconnects enabled.
func Connect(url string, log logr.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("tiops"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Info("NATS disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

func (t *NATSTrigger) Start() error {
	sub, err := t.nc.Subscribe(t.subject, t.onMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", t.subject, err)
	}
	t.sub = sub
	t.log.Info("Listening for triggers")
	return nil
}

func (t *NATSTrigger) Stop() error {
	if t.sub == nil {
		return nil
	}
	return t.sub.Drain()
}

func (t *NATSTrigger) onMessage(msg *nats.Msg) {
	reply := t.Handle(context.Background(), msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		t.log.Error(err, "Failed to encode reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		t.log.Error(err, "Failed to send reply", "reply", msg.Reply)
	}
}

// Handle decodes one message payload and runs it.
func (t *NATSTrigger) Handle(ctx context.Context, data []byte) Reply {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		t.log.Info("Discarding malformed trigger", "error", err.Error())
		return Reply{Error: fmt.Sprintf("decode trigger: %v", err)}
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	reply := Dispatch(ctx, t.runner, natsSource, req, t.providers)
	if reply.Usage != "" {
		t.log.Info("Unknown mode, ignoring", "mode", req.Mode)
	}
	return reply
}
