// Package emitter publishes finished job summaries to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/underwater-trash-detector/internal/config"
	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/internal/pipeline"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

// JobSummary is the message published for every finished job.
type JobSummary struct {
	JobID           string         `json:"job_id"`
	Name            string         `json:"name"`
	State           string         `json:"state"`
	SessionID       string         `json:"session_id,omitempty"`
	TotalFrames     int            `json:"total_frames"`
	ProcessedFrames int            `json:"processed_frames"`
	Detections      int            `json:"detections"`
	ClassCounts     map[string]int `json:"class_counts,omitempty"`
	Error           string         `json:"error,omitempty"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// Summarize builds the message for a finished job.
func Summarize(st pipeline.JobStatus, res *pipeline.Result) JobSummary {
	sum := JobSummary{
		JobID:           st.ID,
		Name:            st.Name,
		State:           string(st.State),
		SessionID:       st.SessionID,
		TotalFrames:     st.TotalFrames,
		ProcessedFrames: st.ProcessedFrames,
		Error:           st.Error,
	}
	if st.FinishedAt != nil {
		sum.FinishedAt = *st.FinishedAt
	}
	if res != nil {
		sum.ClassCounts = res.ClassCounts
		for _, f := range res.Frames {
			sum.Detections += f.Detections
		}
	}
	return sum
}

// publisher is the part of mqtt.Client used for publishing.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes job summaries to <topic>/<state>.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter; call Connect before publishing.
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{cfg: cfg}
}

// Connect establishes the broker connection. The client reconnects on its
// own after later connection losses.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		logger.Info("MQTT", "Connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		logger.Warn("MQTT", "Connection to %s lost, reconnecting: %v", e.cfg.Broker, err)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	logger.Info("MQTT", "Connecting to %s", e.cfg.Broker)
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish sends one summary.
func (e *MQTTEmitter) Publish(sum JobSummary) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(sum)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.Topic, sum.State)
	token := e.pub.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	logger.Debug("MQTT", "Published job %s to %s (%d bytes)", sum.JobID, topic, len(payload))
	return nil
}

// OnJobFinished is a pipeline.FinishFunc.
func (e *MQTTEmitter) OnJobFinished(st pipeline.JobStatus, res *pipeline.Result) {
	if err := e.Publish(Summarize(st, res)); err != nil {
		logger.Warn("MQTT", "Job %s summary not published: %v", st.ID, err)
	}
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
