package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/session"
)

// StatusSource provides the session snapshot mirrored to the broker.
// *session.Client satisfies it.
type StatusSource interface {
	Status() session.Status
}

// broker is the publishing half of an MQTT connection.
// *autopaho.ConnectionManager satisfies it.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// toolsPayload is the JSON body of the tools topic.
type toolsPayload struct {
	Count int      `json:"count"`
	Tools []string `json:"tools"`
}

// errorPayload is the JSON body of the last_error topic.
type errorPayload struct {
	Timestamp time.Time `json:"ts"`
	Op        string    `json:"op,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Error     string    `json:"error"`
}

// StatusPublisher manages the MQTT connection, publishes a birth
// message and session snapshot on (re-)connect, and forwards session
// bus events to retained state topics.
type StatusPublisher struct {
	cfg    config.MQTTConfig
	device DeviceInfo
	source StatusSource
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	conn      broker
	tools     *toolsPayload
	lastError *errorPayload
}

// NewStatusPublisher creates a StatusPublisher but does not connect.
// Call [StatusPublisher.Start] to begin the connection and event loop.
// An empty device name falls back to the instance ID.
func NewStatusPublisher(cfg config.MQTTConfig, instanceID string, source StatusSource, bus *events.Bus, logger *slog.Logger) *StatusPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = instanceID
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "tether"
	}
	return &StatusPublisher{
		cfg:    cfg,
		device: NewDeviceInfo(instanceID, cfg.DeviceName),
		source: source,
		bus:    bus,
		logger: logger,
	}
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. On every (re-)connect it publishes the birth message
// and a full snapshot.
func (p *StatusPublisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.setBroker(cm)
			p.publishBirth(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "tether-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so no session event is missed.
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, ch)
	return nil
}

// Stop publishes an "offline" availability message and closes the
// MQTT connection. The provided context bounds both.
func (p *StatusPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *StatusPublisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *StatusPublisher) baseTopic() string {
	return p.cfg.BaseTopic + "/" + p.cfg.DeviceName
}

func (p *StatusPublisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *StatusPublisher) topic(entity string) string {
	return p.baseTopic() + "/" + entity
}

// --- Publishing ---

func (p *StatusPublisher) setBroker(b broker) {
	p.mu.Lock()
	p.conn = b
	p.mu.Unlock()
}

func (p *StatusPublisher) publish(ctx context.Context, entity string, payload []byte) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	topic := p.topic(entity)
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
	}
}

func (p *StatusPublisher) publishJSON(ctx context.Context, entity string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "entity", entity, "error", err)
		return
	}
	p.publish(ctx, entity, payload)
}

func (p *StatusPublisher) publishAvailability(ctx context.Context, status string) {
	p.publish(ctx, "availability", []byte(status))
	p.logger.Info("mqtt availability published", "status", status)
}

// publishBirth announces the client and republishes every state topic.
func (p *StatusPublisher) publishBirth(ctx context.Context) {
	p.publishAvailability(ctx, "online")
	p.publishJSON(ctx, "device", p.device)

	st := p.source.Status()
	p.publishJSON(ctx, "status", st)
	p.publish(ctx, "ready", []byte(strconv.FormatBool(st.Ready)))

	p.mu.Lock()
	tools, lastErr := p.tools, p.lastError
	p.mu.Unlock()
	if tools == nil {
		tools = &toolsPayload{Count: st.Tools, Tools: []string{}}
	}
	p.publishJSON(ctx, "tools", tools)
	if lastErr != nil {
		p.publishJSON(ctx, "last_error", lastErr)
	}
}

// --- Event loop ---

func (p *StatusPublisher) runLoop(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(ctx, e)
		}
	}
}

// handleEvent maps one session event to its state topic updates.
// Events are cached even while disconnected so the next birth
// publishes current values.
func (p *StatusPublisher) handleEvent(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.KindStatusChange, events.KindReconnecting:
		p.publishJSON(ctx, "status", p.source.Status())

	case events.KindReady:
		ready, _ := e.Data["ready"].(bool)
		p.publishJSON(ctx, "status", p.source.Status())
		p.publish(ctx, "ready", []byte(strconv.FormatBool(ready)))

	case events.KindToolsUpdated:
		names, _ := e.Data["tools"].([]string)
		if names == nil {
			names = []string{}
		}
		tools := &toolsPayload{Count: len(names), Tools: names}
		p.mu.Lock()
		p.tools = tools
		p.mu.Unlock()
		p.publishJSON(ctx, "tools", tools)

	case events.KindError:
		le := &errorPayload{Timestamp: e.Timestamp.UTC()}
		le.Op, _ = e.Data["op"].(string)
		le.Kind, _ = e.Data["kind"].(string)
		le.Tool, _ = e.Data["tool"].(string)
		if e.Err != nil {
			le.Error = e.Err.Error()
		}
		p.mu.Lock()
		p.lastError = le
		p.mu.Unlock()
		p.publishJSON(ctx, "last_error", le)
	}
}
