package email

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrFromUnparseable From 头部完全无法解析出地址（可重试丢弃，reason=error_from_header）
	ErrFromUnparseable = errors.New("from header cannot be parsed")
)

// viaRelaySuffix 追加在外发 From 显示名之后的标记
const viaRelaySuffix = " [via Relay]"

// ForwardInput 转发改写的输入
type ForwardInput struct {
	Raw          []byte
	MaskAddress  string // 掩码完整地址（横幅展示用）
	UserEmail    string // 真实收件人
	ReplyAddress string // 回复路由地址 replies@<reply-domain>
	FromAddress  string // 外发 From 的地址部分；为空时使用 ReplyAddress
	Locale       string
	Trackers     *TrackerRewriter // nil 表示不移除跟踪器
	ReceivedAt   time.Time
}

// ForwardOutput 转发改写的结果
type ForwardOutput struct {
	Raw               []byte
	MessageID         string // 新生成的外发 Message-ID（回复密钥的种子）
	OriginalFrom      *mail.Address
	OriginalMessageID string
	OriginalReplyTo   string
	TrackersRemoved   int
	Issues            []string // 不阻断投递的头部缺陷（forwarding issues 日志）
}

// Forward 把入站原始 MIME 改写为发往真实收件人的外发邮件。
//
// 头部替换规则：
//   - From:        "<原显示名> [via Relay]" <回复路由地址>
//   - To:          用户真实邮箱
//   - Reply-To:    回复路由地址
//   - Resent-From: 原始发件人地址
//   - Subject / In-Reply-To / References 原样复制
//   - Message-ID:  新生成，作为回复元数据派生的种子
//
// From 无法解析出任何地址时返回 ErrFromUnparseable；其余头部缺陷
// 记入 Issues，不阻断投递。
func Forward(in ForwardInput) (*ForwardOutput, error) {
	headerBlock, body := SplitMessage(in.Raw)
	headers := ParseHeaders(headerBlock)

	out := &ForwardOutput{Issues: append([]string(nil), headers.Defects...)}

	fromAddr, defects, err := ParseAddressTolerant(headers.Get("From"))
	out.Issues = append(out.Issues, defects...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFromUnparseable, err)
	}
	out.OriginalFrom = fromAddr
	out.OriginalMessageID = strings.TrimSpace(headers.Get("Message-Id"))
	out.OriginalReplyTo = strings.TrimSpace(headers.Get("Reply-To"))

	sendAs := in.FromAddress
	if sendAs == "" {
		sendAs = in.ReplyAddress
	}
	replyDomain := sendAs
	if i := strings.LastIndexByte(sendAs, '@'); i >= 0 {
		replyDomain = sendAs[i+1:]
	}
	out.MessageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), replyDomain)

	// 组装外发头部集合：拥有半区重写，附加半区原样保留
	outHeaders := NewHeaders()
	outHeaders.Add("From", formatViaRelay(fromAddr, sendAs))
	outHeaders.Add("To", in.UserEmail)
	outHeaders.Add("Reply-To", in.ReplyAddress)
	outHeaders.Add("Resent-From", fromAddr.Address)
	if subject := headers.Get("Subject"); subject != "" {
		outHeaders.Add("Subject", subject)
	}
	outHeaders.Add("Message-Id", out.MessageID)
	if v := headers.Get("In-Reply-To"); v != "" {
		outHeaders.Add("In-Reply-To", v)
	}
	if v := headers.Get("References"); v != "" {
		outHeaders.Add("References", v)
	}

	contentType := headers.Get("Content-Type")
	transferEncoding := headers.Get("Content-Transfer-Encoding")
	mediaType := "text/plain"
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		} else {
			out.Issues = append(out.Issues, fmt.Sprintf("unparseable content-type: %q", contentType))
		}
	}

	var outBody []byte
	switch {
	case mediaType == "text/plain" || contentType == "":
		// 纯文本邮件：合成带横幅的 HTML 备选部分
		var ct string
		ct, outBody = synthesizeAlternative(body, contentType, transferEncoding, in.Locale, in.MaskAddress)
		outHeaders.Add("MIME-Version", "1.0")
		outHeaders.Add("Content-Type", ct)
	default:
		// 带 HTML 的邮件：按需移除一级跟踪器，其余结构原样透传
		outBody = body
		if in.Trackers != nil {
			rewritten, count := in.Trackers.Rewrite(string(body), fromAddr.Address, in.ReceivedAt)
			outBody = []byte(rewritten)
			out.TrackersRemoved = count
		}
		if v := headers.Get("MIME-Version"); v != "" {
			outHeaders.Add("MIME-Version", v)
		}
		outHeaders.Add("Content-Type", contentType)
		if transferEncoding != "" {
			outHeaders.Add("Content-Transfer-Encoding", transferEncoding)
		}
	}

	// 附加半区：保留入站消息中不属于拥有半区的头部
	for _, entry := range headers.Entries() {
		if IsOwned(entry.Name) || outHeaders.Has(entry.Name) {
			continue
		}
		outHeaders.Add(entry.Name, entry.Value)
	}

	out.Raw = Serialize(outHeaders, outBody)
	return out, nil
}

// ReplyInput 回复改写的输入
type ReplyInput struct {
	Raw         []byte
	MaskAddress string // 掩码完整地址，作为外发 From
	ToAddress   string // 解封得到的原始发件人
}

// Reply 把用户发往回复路由地址的邮件改写为以掩码为发件人的外发邮件。
// From 改为掩码地址，To 改为原始发件人，Reply-To 剥除，主题与正文保留。
func Reply(in ReplyInput) ([]byte, error) {
	headerBlock, body := SplitMessage(in.Raw)
	headers := ParseHeaders(headerBlock)

	outHeaders := NewHeaders()
	outHeaders.Add("From", in.MaskAddress)
	outHeaders.Add("To", in.ToAddress)
	if subject := headers.Get("Subject"); subject != "" {
		outHeaders.Add("Subject", subject)
	}
	if v := headers.Get("Message-Id"); v != "" {
		outHeaders.Add("Message-Id", v)
	}
	if v := headers.Get("In-Reply-To"); v != "" {
		outHeaders.Add("In-Reply-To", v)
	}
	if v := headers.Get("References"); v != "" {
		outHeaders.Add("References", v)
	}
	if v := headers.Get("MIME-Version"); v != "" {
		outHeaders.Add("MIME-Version", v)
	}
	if v := headers.Get("Content-Type"); v != "" {
		outHeaders.Add("Content-Type", v)
	}
	if v := headers.Get("Content-Transfer-Encoding"); v != "" {
		outHeaders.Add("Content-Transfer-Encoding", v)
	}

	for _, entry := range headers.Entries() {
		if IsOwned(entry.Name) || outHeaders.Has(entry.Name) {
			continue
		}
		// 用户侧的路由痕迹不透传给外部收件人
		if entry.Name == "Received" || entry.Name == "Reply-To" {
			continue
		}
		outHeaders.Add(entry.Name, entry.Value)
	}

	return Serialize(outHeaders, body), nil
}

// formatViaRelay 组装外发 From。显示名已带标记时不重复追加，
// 保证改写对自己的输出幂等。
func formatViaRelay(original *mail.Address, sendAs string) string {
	display := original.Name
	if display == "" {
		display = original.Address
	}
	if !strings.HasSuffix(display, viaRelaySuffix) {
		display += viaRelaySuffix
	}
	addr := mail.Address{Name: display, Address: sendAs}
	return addr.String()
}

// synthesizeAlternative 把纯文本正文合成 multipart/alternative，
// HTML 部分带本地化的 Relay 横幅。返回新的 Content-Type 与正文。
func synthesizeAlternative(body []byte, contentType, transferEncoding, locale, maskAddress string) (string, []byte) {
	text := decodeTransferEncoding(body, transferEncoding)
	htmlPart := WrapTextAsHTML(string(text), locale, maskAddress)

	boundary := "relay-" + uuid.NewString()
	var buf bytes.Buffer

	textType := contentType
	if textType == "" {
		textType = `text/plain; charset="utf-8"`
	}

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", textType)
	if transferEncoding != "" {
		fmt.Fprintf(&buf, "Content-Transfer-Encoding: %s\r\n", transferEncoding)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	fmt.Fprintf(&buf, "\r\n--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(htmlPart)
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)

	return fmt.Sprintf(`multipart/alternative; boundary="%s"`, boundary), buf.Bytes()
}

// decodeTransferEncoding 解码正文的传输编码；未知编码原样返回
func decodeTransferEncoding(body []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err == nil {
			return decoded
		}
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, string(body)))
		if err == nil {
			return decoded
		}
	}
	return body
}

// Serialize 把头部与正文序列化为外发的原始 MIME
func Serialize(headers *Headers, body []byte) []byte {
	var buf bytes.Buffer
	for _, entry := range headers.Entries() {
		fmt.Fprintf(&buf, "%s: %s\r\n", entry.Name, entry.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
