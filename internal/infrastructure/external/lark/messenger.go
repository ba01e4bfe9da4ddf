package lark

import (
	"context"
	"encoding/json"
	"fmt"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/port"
)

const receiveIDTypeChat = "chat_id"

// ChatMessenger posts text messages to one group chat
type ChatMessenger struct {
	create createMessageFunc
	chatID string
	logger *zap.Logger
}

// NewChatMessenger creates a messenger posting to chatID
func NewChatMessenger(sdk *SDKClient, chatID string, logger *zap.Logger) *ChatMessenger {
	return &ChatMessenger{create: sdk.createMessage, chatID: chatID, logger: logger}
}

var _ port.ChatSender = (*ChatMessenger)(nil)

// SendText posts text to the configured chat
func (m *ChatMessenger) SendText(ctx context.Context, text string) error {
	if m.chatID == "" {
		return fmt.Errorf("chat id cannot be empty")
	}
	if text == "" {
		return fmt.Errorf("content cannot be empty")
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}

	body := larkim.NewCreateMessageReqBodyBuilder().
		ReceiveId(m.chatID).
		MsgType(larkim.MsgTypeText).
		Content(string(content)).
		Build()

	resp, err := m.create(ctx, receiveIDTypeChat, body)
	if err != nil {
		m.logger.Error("Failed to send message",
			zap.String("chat_id", m.chatID),
			zap.Error(err))
		return fmt.Errorf("failed to send message: %w", err)
	}

	if !resp.Success() {
		m.logger.Error("API returned failure",
			zap.String("chat_id", m.chatID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	m.logger.Debug("Message sent", zap.String("message_id", messageID), zap.String("chat_id", m.chatID))

	return nil
}
