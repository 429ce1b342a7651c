package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kilianp07/ambulance/core/factory"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/logger"
)

// AMQPConfig locates the broker and names the topic exchange.
type AMQPConfig struct {
	URL string `json:"url"`
	// Exchange defaults to "ambulance.events".
	Exchange string `json:"exchange"`
}

// AMQP carries events on a topic exchange with routing keys <kind>.<id>.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	log      logger.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

// NewAMQP dials the broker and declares the exchange.
func NewAMQP(cfg AMQPConfig, log logger.Logger) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "ambulance.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQP{conn: conn, exchange: cfg.Exchange, log: logger.OrNop(log), pub: ch}, nil
}

func (a *AMQP) Name() string { return "amqp" }

// routingKey maps emergency:<id> to emergency.<id>. Dots in ids are
// replaced since they separate routing key words.
func routingKey(topic string) string {
	if topic == AllTopics {
		return "#"
	}
	kind, id, _ := strings.Cut(topic, ":")
	return kind + "." + strings.ReplaceAll(id, ".", "_")
}

func (a *AMQP) Publish(ctx context.Context, topic string, ev fanout.Event) error {
	if err := checkTopic(topic); err != nil || topic == AllTopics {
		return fmt.Errorf("amqp publish: invalid topic %q", topic)
	}
	body, err := encode(ev)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pub.PublishWithContext(ctx,
		a.exchange,
		routingKey(topic),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
}

func (a *AMQP) Subscribe(ctx context.Context, topic string) (<-chan fanout.Event, func(), error) {
	if err := checkTopic(topic); err != nil {
		return nil, nil, err
	}
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err == nil {
		err = ch.QueueBind(q.Name, routingKey(topic), a.exchange, false, nil)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = ch.Consume(q.Name, "", true, true, false, false, nil)
	}
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("amqp subscribe %s: %w", topic, err)
	}

	p := newPump(ctx, "amqp "+topic, a.log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				p.deliver(d.Body)
			case <-p.ctx.Done():
				return
			}
		}
	}()
	stop := func() {
		p.cancel()
		<-done
		_ = ch.Close()
	}
	return p.out, stop, nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.pub.Close()
	return a.conn.Close()
}

func init() {
	_ = Register("amqp", func(conf map[string]any) (fanout.Transport, error) {
		var c AMQPConfig
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewAMQP(c, nil)
	})
}
