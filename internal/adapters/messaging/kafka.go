package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"

	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

// KafkaMessaging реализация MessagingPort с использованием Kafka
type KafkaMessaging struct {
	producer        *kafka.Producer
	consumers       map[string]*kafka.Consumer
	consumersMutex  sync.Mutex
	brokers         []string
	groupID         string
	deadLetterTopic string
	logger          interfaces.LoggerPort
}

// NewKafkaMessaging создает новый экземпляр KafkaMessaging.
// Сообщения, обработка которых завершилась ошибкой, переотправляются
// в deadLetterTopic; пустое имя топика отключает переотправку.
func NewKafkaMessaging(brokers []string, groupID, deadLetterTopic string, logger interfaces.LoggerPort) (interfaces.MessagingPort, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":            brokers,
		"client.id":                    "emag-sync-producer",
		"acks":                         "all", // максимальная надежность
		"retries":                      5,
		"retry.backoff.ms":             500,
		"compression.type":             "snappy",
		"linger.ms":                    10, // небольшая задержка для батчинга
		"batch.size":                   16384,
		"message.max.bytes":            1000000,
		"queue.buffering.max.messages": 100000,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Kafka producer: %w", err)
	}

	return &KafkaMessaging{
		producer:        producer,
		consumers:       make(map[string]*kafka.Consumer),
		brokers:         brokers,
		groupID:         groupID,
		deadLetterTopic: deadLetterTopic,
		logger:          logger,
	}, nil
}

// Publish публикует сообщение в указанную тему
func (k *KafkaMessaging) Publish(ctx context.Context, topic string, message []byte) error {
	headers := []kafka.Header{
		{Key: "message_id", Value: []byte(uuid.New().String())},
		{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
	}
	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          message,
		Headers:        headers,
	}, nil)
}

// Subscribe подписывается на указанную тему и обрабатывает сообщения с помощью handler
func (k *KafkaMessaging) Subscribe(ctx context.Context, topic string, handler interfaces.MessageHandler) (func() error, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":     k.brokers,
		"group.id":              k.groupID,
		"auto.offset.reset":     "latest",
		"enable.auto.commit":    true,
		"session.timeout.ms":    30000,
		"heartbeat.interval.ms": 3000,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Kafka consumer: %w", err)
	}

	if err := consumer.Subscribe(topic, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("ошибка подписки на топик %s: %w", topic, err)
	}

	consumerID := uuid.New().String()
	k.consumersMutex.Lock()
	k.consumers[consumerID] = consumer
	k.consumersMutex.Unlock()

	go k.consumeMessages(ctx, consumer, topic, handler)

	unsubscribe := func() error {
		k.consumersMutex.Lock()
		c := k.consumers[consumerID]
		delete(k.consumers, consumerID)
		k.consumersMutex.Unlock()

		if c != nil {
			return c.Close()
		}
		return nil
	}

	return unsubscribe, nil
}

// consumeMessages обрабатывает сообщения из Kafka в отдельной горутине
func (k *KafkaMessaging) consumeMessages(ctx context.Context, consumer *kafka.Consumer, topic string, handler interfaces.MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			ev := consumer.Poll(100)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *kafka.Message:
				msg := kafkaMessageToMessage(e)
				if err := handler(ctx, msg); err != nil {
					k.logger.Error("Ошибка обработки сообщения",
						interfaces.LogField{Key: "topic", Value: topic},
						interfaces.LogField{Key: "message_id", Value: msg.ID},
						interfaces.LogField{Key: "error", Value: err.Error()},
					)
					k.sendToDeadLetter(topic, msg, err)
				}

			case kafka.Error:
				k.logger.Error("Ошибка Kafka",
					interfaces.LogField{Key: "topic", Value: topic},
					interfaces.LogField{Key: "error", Value: e.String()},
				)
				if e.Code() == kafka.ErrAllBrokersDown {
					return
				}
			}
		}
	}
}

// sendToDeadLetter переотправляет необработанное сообщение в dead-letter
// топик вместе с причиной и исходным топиком. Сообщения самого dead-letter
// топика не переотправляются, иначе вечный сбой зациклит их навсегда.
func (k *KafkaMessaging) sendToDeadLetter(sourceTopic string, msg *interfaces.Message, handleErr error) {
	if k.deadLetterTopic == "" || sourceTopic == k.deadLetterTopic {
		return
	}

	headers := []kafka.Header{
		{Key: "message_id", Value: []byte(msg.ID)},
		{Key: "source_topic", Value: []byte(sourceTopic)},
		{Key: "error", Value: []byte(handleErr.Error())},
		{Key: "failed_at", Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
	}
	err := k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.deadLetterTopic, Partition: kafka.PartitionAny},
		Value:          msg.Value,
		Headers:        headers,
	}, nil)
	if err != nil {
		k.logger.Error("Ошибка отправки в dead-letter топик",
			interfaces.LogField{Key: "topic", Value: k.deadLetterTopic},
			interfaces.LogField{Key: "message_id", Value: msg.ID},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
	}
}

// kafkaMessageToMessage преобразует kafka.Message в Message
func kafkaMessageToMessage(msg *kafka.Message) *interfaces.Message {
	headers := make(map[string]string)
	for _, header := range msg.Headers {
		headers[header.Key] = string(header.Value)
	}

	var key string
	if msg.Key != nil {
		key = string(msg.Key)
	}

	publishedAt := time.Now()
	if tsStr, ok := headers["timestamp"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
			publishedAt = ts
		}
	}

	return &interfaces.Message{
		ID:          headers["message_id"],
		Topic:       *msg.TopicPartition.Topic,
		Key:         key,
		Value:       msg.Value,
		Headers:     headers,
		PublishedAt: publishedAt,
	}
}

// Close закрывает соединение с системой обмена сообщениями
func (k *KafkaMessaging) Close() error {
	k.consumersMutex.Lock()
	for id, consumer := range k.consumers {
		consumer.Close()
		delete(k.consumers, id)
	}
	k.consumersMutex.Unlock()

	// Ждем до 15 секунд для отправки всех сообщений
	k.producer.Flush(15 * 1000)
	k.producer.Close()

	return nil
}
