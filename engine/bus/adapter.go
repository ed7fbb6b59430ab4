package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"solarctl/engine/models"
	"solarctl/engine/telemetry/logging"
)

// outboundQoS is "exactly once", matching the request subscription QoS
// (spec §4.1).
const outboundQoS = 2

// publishItem is one queued outbound message; isData marks data/raw
// messages, which enqueue treats differently from status/log/progress
// messages when the queue is full.
type publishItem struct {
	topic    string
	payload  []byte
	retained bool
	isData   bool
}

// Adapter is the bus adapter (C1). It owns one MQTT connection, an inbound
// request-dispatch loop, and a publish loop draining a bounded channel so
// producers (the pipeline, MPPT tracker, data handlers) never block on the
// network (spec §4.1, §5).
type Adapter struct {
	client mqtt.Client
	log    logging.Logger

	requests chan models.JobRequest
	outbound chan publishItem

	mu      sync.Mutex
	closed  bool
	stopCh  chan struct{}
	stopped chan struct{}
}

// Config configures the broker connection.
type Config struct {
	BrokerURL     string
	ClientID      string
	OutboundDepth int // 0 defaults to 256
}

// New connects to the broker, subscribes to RequestTopicFilter, and starts
// the inbound/outbound loops. The last-will is measurement/status =
// Offline, retained (spec §4.1).
func New(cfg Config, log logging.Logger) (*Adapter, error) {
	depth := cfg.OutboundDepth
	if depth <= 0 {
		depth = 256
	}

	a := &Adapter{
		log:      log,
		requests: make(chan models.JobRequest, 32),
		outbound: make(chan publishItem, depth),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetWill(TopicStatus, string(StatusOffline), outboundQoS, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(RequestTopicFilter, outboundQoS, a.onMessage); token.Wait() && token.Error() != nil {
				a.log.ErrorCtx(context.Background(), "bus: subscribe failed", "err", token.Error())
			}
		})

	a.client = mqtt.NewClient(opts)
	if token := a.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, models.InstrumentCommsError("bus.connect", "connect to broker: %w", token.Error())
	}

	go a.publishLoop()
	return a, nil
}

// Requests returns the channel of decoded, validated inbound job requests.
// Malformed payloads are logged and dropped, never forwarded (spec §9:
// reject at job boundaries).
func (a *Adapter) Requests() <-chan models.JobRequest { return a.requests }

func (a *Adapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	action := actionFromTopic(msg.Topic())
	if action == "" {
		return
	}

	var raw RawRequest
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		a.log.ErrorCtx(context.Background(), "bus: malformed request payload", "topic", msg.Topic(), "err", err)
		return
	}

	req, err := DecodeRequest(models.Action(action), raw)
	if err != nil {
		a.log.ErrorCtx(context.Background(), "bus: request validation failed", "topic", msg.Topic(), "err", err)
		return
	}
	req.ReceivedAt = time.Now()

	select {
	case a.requests <- req:
	default:
		a.log.ErrorCtx(context.Background(), "bus: request queue full, dropping", "topic", msg.Topic())
	}
}

func actionFromTopic(topic string) string {
	const prefix = "measurement/"
	if !strings.HasPrefix(topic, prefix) {
		return ""
	}
	action := strings.TrimPrefix(topic, prefix)
	if action == "status" || action == "log" || action == "" {
		return ""
	}
	// Every action name is a single topic segment; a deeper path (e.g. the
	// contact_check result topic) is never a valid inbound request.
	if strings.Contains(action, "/") {
		return ""
	}
	return action
}

// publishLoop drains the outbound queue and calls the broker client (spec
// §4.1, §5 "publish pump").
func (a *Adapter) publishLoop() {
	defer close(a.stopped)
	for {
		select {
		case <-a.stopCh:
			return
		case item := <-a.outbound:
			token := a.client.Publish(item.topic, outboundQoS, item.retained, item.payload)
			token.Wait()
		}
	}
}

// enqueue pushes item onto the outbound queue without ever blocking (spec
// §7 DataPublishDropped). When the queue is full, a non-data item is
// dropped; a data item displaces the oldest queued item, whatever its type,
// and is itself dropped only if the queue is still full. Every drop is
// logged as a warning. The queue is a plain channel, so a queued data
// message can be displaced while status/log/progress messages remain
// queued behind it.
func (a *Adapter) enqueue(item publishItem) {
	select {
	case a.outbound <- item:
		return
	default:
	}

	if !item.isData {
		a.log.WarnCtx(context.Background(), "bus: publish queue full, dropping message", "topic", item.topic)
		return
	}
	select {
	case dropped := <-a.outbound:
		a.log.WarnCtx(context.Background(), "bus: publish queue full, dropping oldest message", "topic", dropped.topic)
	default:
	}
	select {
	case a.outbound <- item:
	default:
		a.log.WarnCtx(context.Background(), "bus: publish queue full, dropping message", "topic", item.topic)
	}
}

func (a *Adapter) PublishStatus(status Status) {
	a.enqueue(publishItem{topic: TopicStatus, payload: []byte(status), retained: true})
}

func (a *Adapter) PublishLog(level LogLevel, msg string) {
	payload, _ := json.Marshal(LogMessage{Level: level, Msg: msg})
	a.enqueue(publishItem{topic: TopicLog, payload: payload})
}

func (a *Adapter) PublishProgress(p ProgressMessage) {
	payload, _ := json.Marshal(p)
	a.enqueue(publishItem{topic: TopicProgress, payload: payload})
}

func (a *Adapter) PublishData(kind string, msg DataMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	a.enqueue(publishItem{topic: DataTopic(kind), payload: payload, isData: true})
}

func (a *Adapter) PublishPlotterClear(kind string) {
	a.enqueue(publishItem{topic: PlotterClearTopic(kind), payload: []byte("1")})
}

func (a *Adapter) PublishContactCheck(msg ContactCheckMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	a.enqueue(publishItem{topic: TopicContactCheck, payload: payload})
}

func (a *Adapter) PublishStage(msg StageMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	a.enqueue(publishItem{topic: TopicStage, payload: payload})
}

func (a *Adapter) PublishCalibration(name string, msg CalibrationMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	a.enqueue(publishItem{topic: CalibrationTopic(name), payload: payload, retained: true})
}

// Close disconnects from the broker and stops the publish loop.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stopCh)
	<-a.stopped
	a.client.Disconnect(250)
	return nil
}
