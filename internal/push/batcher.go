package push

import (
	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/expo"
)

// BuildChunks validates tokens, constructs wire messages, and groups
// them into transport-sized chunks. Invalid tokens are dropped and
// logged; they never count as a delivery attempt. Message order follows
// token order.
func BuildChunks(content Content, tokens []string, logger *zap.Logger) [][]expo.Message {
	messages := make([]expo.Message, 0, len(tokens))
	for _, token := range tokens {
		if !expo.IsPushToken(token) {
			logger.Error("dropping invalid push token", zap.String("token", token))
			continue
		}
		messages = append(messages, expo.Message{
			To:    token,
			Title: content.Title,
			Body:  content.Body,
			Data:  content.Payload,
		})
	}

	var chunks [][]expo.Message
	for len(messages) > 0 {
		n := len(messages)
		if n > expo.MaxMessagesPerBatch {
			n = expo.MaxMessagesPerBatch
		}
		chunks = append(chunks, messages[:n])
		messages = messages[n:]
	}

	return chunks
}
