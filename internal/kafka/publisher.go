// Package kafka fans matched scan events out to a Kafka topic for
// downstream analytics. Publishing is fire-and-forget; the broker never
// waits on Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/fleet-beacon/avl-broker/internal/metrics"
	"github.com/fleet-beacon/avl-broker/internal/persist"
)

type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewPublisher(brokers []string, topic, clientID string, logger *zap.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// scanMessage is the wire shape of one published scan event.
type scanMessage struct {
	MAC          string   `json:"mac"`
	TrackerIMEI  string   `json:"tracker_imei"`
	Lat          *float64 `json:"lat,omitempty"`
	Lng          *float64 `json:"lng,omitempty"`
	RSSI         *int     `json:"rssi,omitempty"`
	Battery      *int     `json:"battery,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	Humidity     *int     `json:"humidity,omitempty"`
	Magnet       *int     `json:"magnet,omitempty"`
	SourceIO     uint16   `json:"source_io"`
	Known        bool     `json:"is_known"`
	ScanTime     string   `json:"scan_time"`
}

// PublishScans produces one message per scan event, keyed by beacon MAC so
// per-beacon ordering survives partitioning.
func (p *Publisher) PublishScans(ctx context.Context, scans []persist.ScanEvent) {
	for _, s := range scans {
		msg := scanMessage{
			MAC:          s.MAC,
			TrackerIMEI:  s.TrackerIMEI,
			Lat:          s.Lat,
			Lng:          s.Lng,
			RSSI:         s.RSSI,
			Battery:      s.Battery,
			TemperatureC: s.TemperatureC,
			Humidity:     s.Humidity,
			Magnet:       s.Magnet,
			SourceIO:     s.SourceIOID,
			Known:        s.Known,
			ScanTime:     s.ScanTime.UTC().Format(time.RFC3339Nano),
		}
		value, err := json.Marshal(msg)
		if err != nil {
			p.logger.Error("marshaling scan event", zap.Error(err))
			continue
		}
		rec := &kgo.Record{Topic: p.topic, Key: []byte(s.MAC), Value: value}
		p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
			if err != nil {
				metrics.KafkaPublishTotal.WithLabelValues("error").Inc()
				p.logger.Warn("producing scan event", zap.Error(err))
				return
			}
			metrics.KafkaPublishTotal.WithLabelValues("ok").Inc()
		})
	}
}

func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.client.Flush(ctx)
	p.client.Close()
}
