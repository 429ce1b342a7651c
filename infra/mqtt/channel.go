package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/logger"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/monitoring"
)

// Handler receives what drivers send over MQTT.
type Handler interface {
	Respond(ctx context.Context, offerID string, decision model.Decision, driverID string) (model.Assignment, error)
	RecordLocation(ctx context.Context, ambulanceID string, loc model.Location, at time.Time) (model.Ambulance, bool, error)
}

// DriverChannel pushes offers to drivers and forwards their responses and
// location ticks to a Handler.
type DriverChannel struct {
	cfg     Config
	topics  Topics
	cli     Conn
	handler Handler
	log     logger.Logger
}

// NewDriverChannel connects to the broker and subscribes to the response and
// location topics of every ambulance.
func NewDriverChannel(cfg Config, h Handler, log logger.Logger) (*DriverChannel, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("mqtt: nil handler")
	}
	d := &DriverChannel{
		cfg:     cfg,
		topics:  Topics{Prefix: cfg.TopicPrefix},
		handler: h,
		log:     logger.OrNop(log),
	}
	cli, err := Dial(cfg, d.log, d.subscribe)
	if err != nil {
		return nil, err
	}
	d.cli = cli
	return d, nil
}

func (d *DriverChannel) subscribe(c Conn) {
	subs := map[string]paho.MessageHandler{
		d.topics.AllResponses(): d.onResponse,
		d.topics.AllLocations(): d.onLocation,
	}
	for topic, h := range subs {
		if token := c.Subscribe(topic, d.cfg.qos(suffixResponse), h); token.Wait() && token.Error() != nil {
			d.log.Errorf("subscribe %s: %v", topic, token.Error())
		}
	}
}

// NotifyOffer publishes the offer on the ambulance's offer topic, retrying
// with exponential backoff.
func (d *DriverChannel) NotifyOffer(ctx context.Context, offer model.Assignment, em model.EmergencyRequest) error {
	msg := OfferMessage{
		OfferID:          offer.ID,
		EmergencyID:      em.ID,
		AmbulanceID:      offer.AmbulanceID,
		Severity:         em.Severity,
		Location:         em.Location,
		Description:      em.Description,
		PatientCondition: em.PatientCondition,
		DistanceKM:       offer.DistanceKM,
		Deadline:         offer.Deadline,
	}
	if offer.PickupETAMinutes != nil {
		msg.PickupETAMinutes = *offer.PickupETAMinutes
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	topic := d.topics.Offer(offer.AmbulanceID)
	if err := d.publish(ctx, topic, d.cfg.qos(suffixOffer), payload); err != nil {
		monitoring.CaptureException(err, map[string]string{
			"module":       "mqtt",
			"offer_id":     offer.ID,
			"ambulance_id": offer.AmbulanceID,
		})
		return err
	}
	d.log.Infof("sent offer %s to %s", offer.ID, topic)
	return nil
}

func (d *DriverChannel) publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(d.cfg.BackoffMS) * time.Millisecond
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.cfg.MaxRetries)), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		token := d.cli.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("publish %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			d.log.Errorf("publish attempt %d to %s failed: %v", attempt, topic, err)
			return err
		}
		return nil
	}, bo)
}

func (d *DriverChannel) handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(d.cfg.HandlerTimeoutMS)*time.Millisecond)
}

func (d *DriverChannel) onResponse(_ paho.Client, msg paho.Message) {
	defer monitoring.Recover()
	ambulanceID, err := d.topics.AmbulanceID(msg.Topic())
	if err != nil {
		d.log.Warnf("response: %v", err)
		return
	}
	var m ResponseMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		d.log.Errorf("failed to decode response from %s: %v", ambulanceID, err)
		return
	}
	ctx, cancel := d.handlerContext()
	defer cancel()
	asg, err := d.handler.Respond(ctx, m.OfferID, m.Decision, m.DriverID)
	ack := AckMessage{OfferID: m.OfferID, Outcome: asg.Outcome}
	if err != nil {
		ack.Code = string(apperr.CodeOf(err))
		ack.Error = err.Error()
		d.log.Warnf("response %s of ambulance %s to offer %s rejected: %v", m.Decision, ambulanceID, m.OfferID, err)
	} else {
		d.log.Infof("ambulance %s answered offer %s: %s", ambulanceID, m.OfferID, asg.Outcome)
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := d.publish(ctx, d.topics.Ack(ambulanceID), d.cfg.qos(suffixAck), payload); err != nil {
		d.log.Errorf("ack offer %s: %v", m.OfferID, err)
	}
}

func (d *DriverChannel) onLocation(_ paho.Client, msg paho.Message) {
	defer monitoring.Recover()
	ambulanceID, err := d.topics.AmbulanceID(msg.Topic())
	if err != nil {
		d.log.Warnf("location: %v", err)
		return
	}
	var m LocationMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		d.log.Errorf("failed to decode location from %s: %v", ambulanceID, err)
		return
	}
	ctx, cancel := d.handlerContext()
	defer cancel()
	_, applied, err := d.handler.RecordLocation(ctx, ambulanceID, model.Location{Lat: m.Lat, Lng: m.Lng}, m.Timestamp)
	switch {
	case err != nil:
		d.log.Warnf("location of ambulance %s: %v", ambulanceID, err)
	case !applied:
		d.log.Debugf("stale location tick of ambulance %s ignored", ambulanceID)
	}
}

// Close unsubscribes and disconnects.
func (d *DriverChannel) Close() {
	if d.cli == nil || !d.cli.IsConnected() {
		return
	}
	d.cli.Unsubscribe(d.topics.AllResponses(), d.topics.AllLocations()).WaitTimeout(time.Second)
	d.cli.Disconnect(250)
}
