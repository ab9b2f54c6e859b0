package httptransport

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/service"
)

// InboundHandler 处理 SNS HTTPS 订阅推送的入站通知
type InboundHandler struct {
	processor *service.Processor
	cfg       *config.Config
	logger    *zap.Logger
}

// NewInboundHandler 创建入站通知处理器
func NewInboundHandler(processor *service.Processor, cfg *config.Config, logger *zap.Logger) *InboundHandler {
	return &InboundHandler{processor: processor, cfg: cfg, logger: logger}
}

// HandleInbound 读取通知原文并交给处理管道。
// 返回 5xx 时 SNS 会按重试策略重投，等价于队列路径的"留在队列上"。
func (h *InboundHandler) HandleInbound(c *gin.Context) {
	limit := h.cfg.Relay.MaxMessageBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		c.String(http.StatusBadRequest, "Could not read request body.")
		return
	}
	if int64(len(body)) > limit {
		c.String(http.StatusRequestEntityTooLarge, "Request body too large.")
		return
	}

	outcome, perr := h.processor.Process(c.Request.Context(), body)
	if perr != nil {
		h.logger.Error("inbound notification failed",
			zap.String("reason", perr.Reason),
			zap.Bool("can_retry", perr.Retryable),
			zap.Error(perr),
		)
		c.String(perr.Status, perr.Error())
		return
	}

	c.String(outcome.Status, outcome.Body)
}
