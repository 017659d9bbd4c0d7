package interfaces

import (
	"context"
	"time"
)

// Message представляет сообщение в системе
type Message struct {
	ID          string            `json:"id"`           // Уникальный ID сообщения
	Topic       string            `json:"topic"`        // Тема сообщения
	Key         string            `json:"key"`          // Ключ сообщения (опционально)
	Value       []byte            `json:"value"`        // Содержимое сообщения
	Headers     map[string]string `json:"headers"`      // Заголовки сообщения
	PublishedAt time.Time         `json:"published_at"` // Время публикации
}

// MessageHandler определяет функцию обработчика сообщений
type MessageHandler func(ctx context.Context, msg *Message) error

// MessagingPort определяет интерфейс для обмена сообщениями.
// Движок синхронизации публикует события жизненного цикла сессий
// и принимает команды на запуск синхронизации.
type MessagingPort interface {
	Publish(ctx context.Context, topic string, message []byte) error

	Subscribe(ctx context.Context, topic string, handler MessageHandler) (func() error, error)

	Close() error
}
