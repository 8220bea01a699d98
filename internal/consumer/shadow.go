package consumer

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mian7535/msm/internal/mqtt"
)

// ShadowSync mirrors inbound messages to the per-device shadow document on
// the transport. Best-effort observability: failures are logged, never
// retried, and never block the persistence path.
type ShadowSync struct {
	publisher mqtt.Publisher
	root      string
	qos       byte
	logger    *zap.Logger
}

// NewShadowSync creates the shadow synchronizer
func NewShadowSync(publisher mqtt.Publisher, root string, qos byte, logger *zap.Logger) *ShadowSync {
	return &ShadowSync{
		publisher: publisher,
		root:      root,
		qos:       qos,
		logger:    logger,
	}
}

// Mirror publishes {state:{reported:{<topicType>: <message>}}} to the
// device's shadow update topic
func (s *ShadowSync) Mirror(deviceUUID, topicType string, message json.RawMessage) {
	topic := fmt.Sprintf("%s/things/%s/shadow/update", s.root, deviceUUID)

	update := map[string]interface{}{
		"state": map[string]interface{}{
			"reported": map[string]json.RawMessage{
				topicType: message,
			},
		},
	}

	if err := s.publisher.PublishJSON(topic, s.qos, update); err != nil {
		s.logger.Warn("Failed to mirror message to shadow",
			zap.String("device_uuid", deviceUUID),
			zap.String("topic_type", topicType),
			zap.Error(err),
		)
	}
}
