package natsbus

import (
	"encoding/json"
	"fmt"

	"github.com/google/logger"
	"github.com/nats-io/nats.go"

	"github.com/foodshare/fulfillment/internal/notify"
)

type conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Publisher sends notification payloads to a NATS subject. The topic passed to
// Publish is used as the subject.
type Publisher struct {
	nc conn
}

func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("fulfillment"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &Publisher{nc: nc}, nil
}

func (p *Publisher) Publish(subject string, message []byte) error {
	if err := p.nc.Publish(subject, message); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	logger.Infof("message published to nats subject %s", subject)
	return nil
}

// Subscribe decodes events published on subject and passes them to handle.
// Undecodable messages are logged and dropped.
func (p *Publisher) Subscribe(subject string, handle func(notify.Event)) error {
	_, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		handleMessage(msg, handle)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return nil
}

func handleMessage(msg *nats.Msg, handle func(notify.Event)) {
	var ev notify.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		logger.Warningf("skip nats message on %s: %v", msg.Subject, err)
		return
	}
	if handle != nil {
		handle(ev)
	}
}

func (p *Publisher) Close() error {
	return p.nc.Drain()
}
