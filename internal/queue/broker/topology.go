// ABOUTME: Exchange, dead-letter exchange and queue declarations for one job name.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterSuffix is appended to a queue name to name its dead-letter queue.
const DeadLetterSuffix = ".dlq"

// DeadLetterQueue returns the dead-letter queue (and routing key) for name.
func DeadLetterQueue(name string) string {
	return name + DeadLetterSuffix
}

// declare sets up the topology for queue name: durable direct exchanges for
// work and dead letters, the work queue bound by its own name with its
// dead-letter attributes pointing at <name>.dlq, and the dead-letter queue.
// All declarations are idempotent on the broker side.
func declare(ch Channel, exchange, dlx, name string) error {
	dlq := DeadLetterQueue(name)

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(name, name, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}
	if err := ch.QueueBind(dlq, dlq, dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}
	return nil
}
