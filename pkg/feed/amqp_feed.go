package feed

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPFeed publishes events to a RabbitMQ topic exchange. The routing
// key is the event type, so consumers can bind selectively
// ("template.*", "execution.status", "#").
type AMQPFeed struct {
	ch       *amqp.Channel
	exchange string
}

var _ Feed = (*AMQPFeed)(nil)

// NewAMQPFeed declares a durable topic exchange on the given channel
// and returns a Feed publishing to it.
func NewAMQPFeed(ch *amqp.Channel, exchange string) (*AMQPFeed, error) {
	if exchange == "" {
		exchange = "loom.feed"
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, err
	}
	return &AMQPFeed{ch: ch, exchange: exchange}, nil
}

func (f *AMQPFeed) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.ch.PublishWithContext(ctx,
		f.exchange,
		string(ev.Type), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   ev.At,
			Body:        body,
		},
	)
}
