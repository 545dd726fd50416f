package queue

import (
	"github.com/go-kit/log"
	"github.com/ndrozd/liber/pkg/queue/message"
	"github.com/ndrozd/liber/pkg/queue/nats"
	"github.com/pkg/errors"
)

type Config struct {
	// Type selects the broker. Empty disables run notifications.
	Type string      `yaml:"type"`
	Nats nats.Config `yaml:"nats"`
}

type Publisher interface {
	Pub(channel string, rep *message.RunReport) error
}

func NewPublisher(cfg Config, log log.Logger) (Publisher, error) {
	switch cfg.Type {
	case "nats":
		return nats.NewNatsClient(cfg.Nats, log)
	default:
		return nil, errors.New("invalid queue type")
	}
}
