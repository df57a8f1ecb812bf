package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver locations and ride lifecycle events.
type KafkaProducer struct {
	locations messageWriter
	rides     messageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic),
		rides:     newWriter(brokers, rideTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// PublishLocation writes the update keyed by driver id so a driver's
// positions stay ordered within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	msg, err := locationMessage(u)
	if err != nil {
		return err
	}
	return write(ctx, k.locations, msg)
}

// PublishRideEvent writes the event keyed by ride id.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, e models.RideEvent) error {
	msg, err := rideEventMessage(e)
	if err != nil {
		return err
	}
	return write(ctx, k.rides, msg)
}

func write(ctx context.Context, w messageWriter, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.WriteMessages(ctx, msg)
}

func locationMessage(u models.LocationUpdate) (kafka.Message, error) {
	if u.DriverID == "" {
		return kafka.Message{}, errors.New("location update without driver id")
	}
	b, err := json.Marshal(u)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode location: %w", err)
	}
	return kafka.Message{Key: []byte(u.DriverID), Value: b, Time: u.At}, nil
}

func rideEventMessage(e models.RideEvent) (kafka.Message, error) {
	if e.RideID == "" {
		return kafka.Message{}, errors.New("ride event without ride id")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode ride event: %w", err)
	}
	return kafka.Message{
		Key:     []byte(e.RideID),
		Value:   b,
		Time:    e.At,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	}, nil
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.locations, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
