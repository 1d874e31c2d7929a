package fusion

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SessionPose is the wire form of a pose in the session's device convention
type SessionPose struct {
	Translation  [3]float64 `json:"translation"`
	RotationXYZW [4]float64 `json:"rotation_xyzw"`
}

// PoseMessage is the payload published on <prefix>/pose and returned to clients
type PoseMessage struct {
	Success         bool        `json:"success"`
	SessionPose     SessionPose `json:"session_pose"`
	FilmFocalLength float64     `json:"film_focal_length"`
	Score           float64     `json:"score"`
	RMSE            float64     `json:"rmse"`
	Scale           float64     `json:"scale"`
	PairCount       int         `json:"pairCount"`
	Timestamp       int64       `json:"timestamp"`
}

// NewPoseMessage converts a published pose into its wire form
func NewPoseMessage(p BestPose) PoseMessage {
	return PoseMessage{
		Success: true,
		SessionPose: SessionPose{
			Translation:  [3]float64{p.Position.X, p.Position.Y, p.Position.Z},
			RotationXYZW: p.RotationXYZW,
		},
		FilmFocalLength: p.FocalLength,
		Score:           p.Score,
		RMSE:            p.RMSE,
		Scale:           p.Scale,
		PairCount:       p.PairCount,
		Timestamp:       p.UpdatedAt.UnixMilli(),
	}
}

// statusMessage is the payload published on <prefix>/status after each cycle
type statusMessage struct {
	Outcome      CycleOutcome `json:"outcome"`
	Reason       string       `json:"reason,omitempty"`
	PairCount    int          `json:"pairCount"`
	PendingCount int          `json:"pendingCount"`
	RMSE         *float64     `json:"rmse,omitempty"`
	Scale        *float64     `json:"scale,omitempty"`
	Timestamp    int64        `json:"timestamp"`
}

// Publisher pushes pose updates and cycle status to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
}

// NewPublisher creates a new pose publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	return &Publisher{
		client:        client,
		publishPrefix: resolvePrefix(prefix),
		qos:           0,
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// PublishPose publishes the best pose to <prefix>/pose, retained so late
// subscribers get the latest estimate
func (p *Publisher) PublishPose(pose BestPose) error {
	return p.publish("pose", true, NewPoseMessage(pose))
}

// PublishStatus publishes a cycle summary to <prefix>/status
func (p *Publisher) PublishStatus(res CycleResult) error {
	msg := statusMessage{
		Outcome:      res.Outcome,
		Reason:       res.Reason,
		PairCount:    res.PairCount,
		PendingCount: res.PendingCount,
		Timestamp:    res.At.UnixMilli(),
	}
	if res.Sim != nil {
		scale := res.Sim.Scale
		msg.Scale = &scale
		if res.Sim.Stats != nil {
			rmse := res.Sim.Stats.RMSE
			msg.RMSE = &rmse
		}
	}
	return p.publish("status", false, msg)
}

// PublishCleared publishes an empty retained pose so subscribers drop the
// previous session's estimate
func (p *Publisher) PublishCleared() error {
	return p.publish("pose", true, map[string]any{"success": false, "reason": "reset"})
}

func (p *Publisher) publish(suffix string, retain bool, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// CycleObserver returns a pipeline observer that publishes cycle status and,
// when a cycle publishes a new best pose, the pose itself
func (p *Publisher) CycleObserver(st *StateTracker) func(CycleResult) {
	return func(res CycleResult) {
		if err := p.PublishStatus(res); err != nil {
			L().Debugf("[MQTT] Status not published: %v", err)
		}
		if !res.Published() {
			return
		}
		pose, ok := st.BestPose()
		if !ok {
			return
		}
		if err := p.PublishPose(pose); err != nil {
			L().Warnf("[MQTT] Error publishing pose: %v", err)
			return
		}
		L().Infof("[MQTT] Published pose (score=%.2f) to %s/pose", pose.Score, p.publishPrefix)
	}
}
