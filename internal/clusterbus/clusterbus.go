// Package clusterbus is the optional cluster fan-out leg: when configured,
// every bar the Multiplexer emits is also published onto a topic exchange
// so other broker processes can mirror the canonical upstream session's
// bars without each opening their own upstream connection.
package clusterbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"barbroker/internal/model"
)

const exchangeName = "bars"

// Bus publishes bars onto a topic exchange keyed "bars.<symbol>.<timeframe>".
type Bus struct {
	log  *zap.SugaredLogger
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// Connect dials uri, opens a channel, declares the topic exchange, and
// enables publisher confirms, retrying the dial with a fixed backoff
// before giving up.
func Connect(log *zap.SugaredLogger, uri string) (*Bus, error) {
	var conn *amqp091.Connection
	var err error
	for i := 0; i < 10; i++ {
		conn, err = amqp091.Dial(uri)
		if err == nil {
			break
		}
		log.Warnw("clusterbus: connection attempt failed", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("clusterbus: dial failed after retries: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("clusterbus: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		log.Warnw("clusterbus: publisher confirms not enabled", "error", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("clusterbus: declare exchange: %w", err)
	}

	return &Bus{log: log, conn: conn, ch: ch}, nil
}

// Publish emits bar onto "bars.<symbol>.<timeframe>". Colons in the symbol
// are replaced with dots, so "BINANCE:BTCUSDT" on timeframe "1" is
// published with routing key "bars.BINANCE.BTCUSDT.1" (the exchange and
// the instrument become separate topic words).
func (b *Bus) Publish(bar model.Bar) error {
	body, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("clusterbus: marshal bar: %w", err)
	}

	routingKey := fmt.Sprintf("bars.%s.%s", routingSegment(bar.Symbol), bar.Timeframe)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return b.ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Close closes the channel and connection.
func (b *Bus) Close() {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

func routingSegment(symbol string) string {
	return strings.ReplaceAll(symbol, ":", ".")
}
