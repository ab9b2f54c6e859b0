package domain

// SNS / SES 通知的线格式定义。
// JSON 标签与云服务商的文档字段一一对应，序列化需要无损往返。

// SNSEnvelope 是 SNS 投递到队列或 HTTP 端点的外层信封
type SNSEnvelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId,omitempty"`
	Token            string `json:"Token,omitempty"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"` // 内层 JSON 的字符串形式
	Timestamp        string `json:"Timestamp,omitempty"`
	SignatureVersion string `json:"SignatureVersion,omitempty"`
	Signature        string `json:"Signature,omitempty"`
	SigningCertURL   string `json:"SigningCertURL,omitempty"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

// SNS 信封类型
const (
	SNSTypeNotification             = "Notification"
	SNSTypeSubscriptionConfirmation = "SubscriptionConfirmation"
	SNSTypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// SESMessage 是信封 Message 字段解析后的内层消息。
// notificationType 与 eventType 必须恰好出现一个。
type SESMessage struct {
	NotificationType string        `json:"notificationType,omitempty"`
	EventType        string        `json:"eventType,omitempty"`
	Mail             *SESMail      `json:"mail,omitempty"`
	Receipt          *SESReceipt   `json:"receipt,omitempty"`
	Bounce           *SESBounce    `json:"bounce,omitempty"`
	Complaint        *SESComplaint `json:"complaint,omitempty"`
	Delivery         *SESDelivery  `json:"delivery,omitempty"`
	Content          string        `json:"content,omitempty"` // 内联的原始 MIME（小邮件）
}

// 已知的 notificationType 取值
const (
	NotificationBounce    = "Bounce"
	NotificationComplaint = "Complaint"
	NotificationDelivery  = "Delivery"
	NotificationReceived  = "Received"
)

// knownEventTypes 已知的 eventType 取值（事件目的地配置下发送的形态）
var knownEventTypes = map[string]struct{}{
	"Bounce": {}, "Complaint": {}, "Delivery": {}, "Send": {}, "Reject": {},
	"Open": {}, "Click": {}, "Rendering Failure": {}, "DeliveryDelay": {},
	"Subscription": {},
}

// IsKnownEventType 判断 eventType 是否在允许集合内
func IsKnownEventType(t string) bool {
	_, ok := knownEventTypes[t]
	return ok
}

// SESMail 描述入站邮件的信封与头部
type SESMail struct {
	Timestamp        string      `json:"timestamp,omitempty"`
	Source           string      `json:"source,omitempty"`
	MessageID        string      `json:"messageId,omitempty"`
	Destination      []string    `json:"destination,omitempty"`
	HeadersTruncated bool        `json:"headersTruncated,omitempty"`
	Headers          []SESHeader `json:"headers,omitempty"`
	CommonHeaders    *SESCommonHeaders `json:"commonHeaders,omitempty"`
}

// SESHeader 单个原始头部
type SESHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SESCommonHeaders 服务商预解析的常用头部
type SESCommonHeaders struct {
	From       []string `json:"from,omitempty"`
	To         []string `json:"to,omitempty"`
	ReplyTo    []string `json:"replyTo,omitempty"`
	MessageID  string   `json:"messageId,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Date       string   `json:"date,omitempty"`
	ReturnPath string   `json:"returnPath,omitempty"`
}

// VerdictStatus 服务商给出的 PASS/FAIL/GRAY 判定
type VerdictStatus string

const (
	VerdictPass             VerdictStatus = "PASS"
	VerdictFail             VerdictStatus = "FAIL"
	VerdictGray             VerdictStatus = "GRAY"
	VerdictProcessingFailed VerdictStatus = "PROCESSING_FAILED"
)

// SESVerdict 单项判定
type SESVerdict struct {
	Status VerdictStatus `json:"status"`
}

// DMARC 对齐失败时发布者声明的处理策略
const (
	DMARCPolicyNone       = "none"
	DMARCPolicyQuarantine = "quarantine"
	DMARCPolicyReject     = "reject"
)

// SESReceipt 描述收信时的各项判定与正文存放位置
type SESReceipt struct {
	Timestamp            string      `json:"timestamp,omitempty"`
	ProcessingTimeMillis int         `json:"processingTimeMillis,omitempty"`
	Recipients           []string    `json:"recipients,omitempty"`
	SpamVerdict          *SESVerdict `json:"spamVerdict,omitempty"`
	VirusVerdict         *SESVerdict `json:"virusVerdict,omitempty"`
	SPFVerdict           *SESVerdict `json:"spfVerdict,omitempty"`
	DKIMVerdict          *SESVerdict `json:"dkimVerdict,omitempty"`
	DMARCVerdict         *SESVerdict `json:"dmarcVerdict,omitempty"`
	DMARCPolicy          string      `json:"dmarcPolicy,omitempty"`
	Action               *SESAction  `json:"action,omitempty"`
}

// SpamFailed 判断垃圾邮件判定是否为 FAIL
func (r *SESReceipt) SpamFailed() bool {
	return r != nil && r.SpamVerdict != nil && r.SpamVerdict.Status == VerdictFail
}

// DMARCRejectFailed 判断是否 "DMARC FAIL 且策略为 reject"
func (r *SESReceipt) DMARCRejectFailed() bool {
	return r != nil && r.DMARCVerdict != nil &&
		r.DMARCVerdict.Status == VerdictFail && r.DMARCPolicy == DMARCPolicyReject
}

// SESAction 描述正文的存放方式：S3 对象或随通知内联（SNS）
type SESAction struct {
	Type       string `json:"type"` // "S3" 或 "SNS"
	TopicArn   string `json:"topicArn,omitempty"`
	BucketName string `json:"bucketName,omitempty"`
	ObjectKey  string `json:"objectKey,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// BounceType 本系统对退信的分类动作
type BounceType string

const (
	BounceHard BounceType = "hard_bounce"
	BounceSoft BounceType = "soft_bounce"
	// BounceSpamBlock 表示服务商要求停止向该用户转发垃圾邮件
	BounceSpamBlock BounceType = "auto_block_spam"
	BounceUnknown   BounceType = "unknown"
)

// SESBounce 退信通知
type SESBounce struct {
	BounceType        string               `json:"bounceType,omitempty"`    // Permanent / Transient / Undetermined
	BounceSubType     string               `json:"bounceSubType,omitempty"` // General / Suppressed / OnAccountSuppressionList / ...
	BouncedRecipients []SESBouncedRecipient `json:"bouncedRecipients,omitempty"`
	Timestamp         string               `json:"timestamp,omitempty"`
	FeedbackID        string               `json:"feedbackId,omitempty"`
}

// SESBouncedRecipient 单个退信收件人
type SESBouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action,omitempty"`
	Status         string `json:"status,omitempty"`
	DiagnosticCode string `json:"diagnosticCode,omitempty"`
}

// RelayAction 根据退信的类型与子类型得出本系统应执行的动作
func (b *SESBounce) RelayAction() BounceType {
	switch b.BounceType {
	case "Permanent":
		return BounceHard
	case "Transient":
		switch b.BounceSubType {
		case "AttachmentRejected", "MessageTooLarge", "ContentRejected":
			// 与邮件内容相关的瞬时退信按垃圾阻断处理
			return BounceSpamBlock
		default:
			return BounceSoft
		}
	}
	return BounceUnknown
}

// SESComplaint 投诉通知
type SESComplaint struct {
	ComplainedRecipients  []SESComplainedRecipient `json:"complainedRecipients,omitempty"`
	ComplaintFeedbackType string                   `json:"complaintFeedbackType,omitempty"`
	ComplaintSubType      string                   `json:"complaintSubType,omitempty"`
	Timestamp             string                   `json:"timestamp,omitempty"`
	FeedbackID            string                   `json:"feedbackId,omitempty"`
}

// SESComplainedRecipient 单个投诉收件人
type SESComplainedRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

// SESDelivery 送达确认
type SESDelivery struct {
	Timestamp            string   `json:"timestamp,omitempty"`
	ProcessingTimeMillis int      `json:"processingTimeMillis,omitempty"`
	Recipients           []string `json:"recipients,omitempty"`
	SMTPResponse         string   `json:"smtpResponse,omitempty"`
}
