package service

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"time"

	"go.uber.org/zap"

	"relay/backend/internal/config"
)

// Notifier 向真实用户发送服务自身的提示邮件（非转发流量）。
type Notifier struct {
	dispatcher Dispatcher
	cfg        *config.Config
	logger     *zap.Logger
}

// NewNotifier 创建提示邮件发送器
func NewNotifier(dispatcher Dispatcher, cfg *config.Config, logger *zap.Logger) *Notifier {
	return &Notifier{dispatcher: dispatcher, cfg: cfg, logger: logger}
}

// ReplyRequiresPremium 通知发件人：回复功能需要付费套餐。
func (n *Notifier) ReplyRequiresPremium(ctx context.Context, to string) {
	subject := "Replies are a premium feature"
	body := "Your reply was not delivered.\r\n\r\n" +
		"Replying through an email mask requires a premium subscription. " +
		"Upgrade your plan to unlock replies.\r\n"
	n.send(ctx, to, subject, body)
}

// MaskDeactivated 通知掩码所有者：因投诉该掩码已被停用。
func (n *Notifier) MaskDeactivated(ctx context.Context, to, maskAddress string) {
	subject := "One of your masks has been deactivated"
	body := fmt.Sprintf("A spam complaint was received for mail forwarded through %s.\r\n\r\n"+
		"Forwarding for this mask has been turned off. You can re-enable it at any time "+
		"from your dashboard.\r\n", maskAddress)
	n.send(ctx, to, subject, body)
}

func (n *Notifier) send(ctx context.Context, to, subject, body string) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", n.cfg.Relay.FromAddress)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)

	if _, err := n.dispatcher.SendRaw(ctx, n.cfg.Relay.FromAddress, []string{to}, buf.Bytes()); err != nil {
		n.logger.Error("failed to send notice email",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}
