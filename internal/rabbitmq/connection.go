package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/forseti-judge/worker/internal/config"
	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/pkg/constants"
)

// NewRabbitMqConnection dials the broker, retrying with a linear backoff.
// The broker usually starts alongside the worker, so the first dials may fail.
func NewRabbitMqConnection(cfg *config.Config) *amqp.Connection {
	logger := logger.NewNamedLogger("rabbitmq")

	var lastErr error
	for attempt := 1; attempt <= constants.RabbitMQReconnectTries; attempt++ {
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err == nil {
			logger.Infof("Connected to RabbitMQ after %d attempt(s)", attempt)
			return conn
		}
		lastErr = err
		logger.Warnf("Failed to connect to RabbitMQ (attempt %d/%d): %s",
			attempt, constants.RabbitMQReconnectTries, err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}

	logger.Fatalf("Failed to connect to RabbitMQ: %s", lastErr)
	return nil
}

func NewRabbitMQChannel(conn *amqp.Connection) *amqp.Channel {
	logger := logger.NewNamedLogger("rabbitmq")

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatalf("Failed to open RabbitMQ channel: %s", err)
	}
	return ch
}
