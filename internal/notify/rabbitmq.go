package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultResetQueue はリセット通知を発行するキューのデフォルト名。
const DefaultResetQueue = "sangha.password-reset"

// amqpChannel はテストで差し替えるためのamqp.Channelの部分インターフェース。
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQNotifier はリセット通知をRabbitMQのキューに発行する。
// メール送信は別プロセスのコンシューマーが担う。
type RabbitMQNotifier struct {
	conn    *amqp.Connection
	channel amqpChannel
	queue   string

	mu       sync.Mutex
	declared bool
}

// NewRabbitMQNotifier はRabbitMQへ接続してRabbitMQNotifierを生成する。
func NewRabbitMQNotifier(url, queue string) (*RabbitMQNotifier, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	n := newRabbitMQNotifier(ch, queue)
	n.conn = conn
	return n, nil
}

func newRabbitMQNotifier(ch amqpChannel, queue string) *RabbitMQNotifier {
	if strings.TrimSpace(queue) == "" {
		queue = DefaultResetQueue
	}
	return &RabbitMQNotifier{channel: ch, queue: queue}
}

// SendPasswordReset は通知をJSONで永続キューに発行する。
func (n *RabbitMQNotifier) SendPasswordReset(ctx context.Context, msg PasswordReset) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal reset notification: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.declared {
		if _, err := n.channel.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", n.queue, err)
		}
		n.declared = true
	}

	err = n.channel.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Type:         "password_reset",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish reset notification: %w", err)
	}
	return nil
}

// Close はチャネルと接続を閉じる。
func (n *RabbitMQNotifier) Close() error {
	if n.channel != nil {
		_ = n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// compile-time interface check
var _ Notifier = (*RabbitMQNotifier)(nil)
