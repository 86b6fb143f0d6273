package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fieldtrack/internal/models"
)

// Ingestor accepts location samples. Implemented by the tracker engine.
type Ingestor interface {
	Ingest(ctx context.Context, s models.LocationSample) (*models.Engineer, error)
}

type ListenerConfig struct {
	Broker   string
	ClientID string
	Topic    string // must contain a single-level wildcard for the engineer id
	QoS      byte
}

// LocationListener feeds samples published on
// fieldtrack/engineers/<engineer id>/location into the tracker.
type LocationListener struct {
	cfg    ListenerConfig
	ingest Ingestor
	logger log.FieldLogger
	client mqtt.Client
	now    func() time.Time
}

func NewLocationListener(cfg ListenerConfig, ingest Ingestor, logger log.FieldLogger) *LocationListener {
	return &LocationListener{cfg: cfg, ingest: ingest, logger: logger, now: time.Now}
}

func (l *LocationListener) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.Broker).
		SetClientID(l.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(l.cfg.Topic, l.cfg.QoS, l.HandleMessage)
			if token.Wait() && token.Error() != nil {
				l.logger.WithError(token.Error()).WithField("topic", l.cfg.Topic).Error("mqtt subscribe failed")
				return
			}
			l.logger.WithField("topic", l.cfg.Topic).Info("mqtt subscribed")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			l.logger.WithError(err).Warn("mqtt connection lost")
		})

	l.client = mqtt.NewClient(opts)
	token := l.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect to %s timed out", l.cfg.Broker)
	}
	return token.Error()
}

func (l *LocationListener) Stop() {
	if l.client != nil && l.client.IsConnected() {
		l.client.Disconnect(250)
	}
}

// HandleMessage decodes one report and hands it to the ingestor. Rejected
// samples are logged and dropped; the broker is never asked to redeliver.
func (l *LocationListener) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	engineerID, ok := EngineerFromTopic(msg.Topic())
	if !ok {
		l.logger.WithField("topic", msg.Topic()).Warn("mqtt message on unexpected topic")
		return
	}
	var report models.LocationReport
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		l.logger.WithError(err).WithField("engineer_id", engineerID).Warn("malformed location report")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.ingest.Ingest(ctx, report.Sample(engineerID, l.now())); err != nil {
		l.logger.WithError(err).WithField("engineer_id", engineerID).Debug("location sample rejected")
	}
}

// EngineerFromTopic extracts the engineer id from .../engineers/<id>/location.
func EngineerFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "location" || parts[len(parts)-3] != "engineers" {
		return "", false
	}
	id := parts[len(parts)-2]
	return id, id != ""
}
