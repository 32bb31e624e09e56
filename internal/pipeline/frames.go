package pipeline

import (
	"time"

	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/protocol"
)

func encodeStreamChunk(sessionID, messageID, content string, ts time.Time) ([]byte, error) {
	return protocol.Encode(protocol.TypeStreamChunk, protocol.StreamChunkData{
		SessionID: sessionID,
		Content:   content,
		Event:     "content",
		MessageID: messageID,
		Role:      domain.RoleAssistant,
		Timestamp: ts.UnixMilli(),
		Type:      protocol.TypeStreamChunk,
	})
}
