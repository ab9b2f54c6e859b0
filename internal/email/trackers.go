package email

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// 一级跟踪器移除：把 HTML 正文里指向已知跟踪域名的链接与图片
// 改写为警示中转页的 URL，中转页参数携带 base64-json 的
// {sender, received_at, original_link}。

// TrackerRewriter 在外发 HTML 中改写已知跟踪器 URL
type TrackerRewriter struct {
	hosts           []string // 已知一级跟踪域名（后缀匹配）
	interstitialURL string   // 警示中转页地址
}

// NewTrackerRewriter 创建跟踪器改写器
func NewTrackerRewriter(hosts []string, interstitialURL string) *TrackerRewriter {
	lowered := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			lowered = append(lowered, h)
		}
	}
	return &TrackerRewriter{hosts: lowered, interstitialURL: interstitialURL}
}

// trackerWarningData 中转页参数的明文结构
type trackerWarningData struct {
	Sender       string `json:"sender"`
	ReceivedAt   int64  `json:"received_at"`
	OriginalLink string `json:"original_link"`
}

// attrURLRegex 匹配 href / src 属性值
var attrURLRegex = regexp.MustCompile(`(href|src)=["']([^"']+)["']`)

// Rewrite 改写 HTML 中命中跟踪域名的链接，返回改写后的 HTML 与替换次数。
// 每处出现最多替换一次；一个跟踪器 URL 嵌在另一个跟踪器的查询串里时，
// 整个属性值只按一次计数。
func (t *TrackerRewriter) Rewrite(htmlBody, sender string, receivedAt time.Time) (string, int) {
	if len(t.hosts) == 0 {
		return htmlBody, 0
	}

	count := 0
	out := attrURLRegex.ReplaceAllStringFunc(htmlBody, func(match string) string {
		parts := attrURLRegex.FindStringSubmatch(match)
		attr, link := parts[1], parts[2]
		if !t.isTracker(link) {
			return match
		}
		count++
		return fmt.Sprintf(`%s="%s"`, attr, t.warningURL(sender, receivedAt, link))
	})
	return out, count
}

// isTracker 判断链接的主机名是否命中跟踪域名（含子域）
func (t *TrackerRewriter) isTracker(link string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, tracker := range t.hosts {
		if host == tracker || strings.HasSuffix(host, "."+tracker) {
			return true
		}
	}
	return false
}

// warningURL 组装中转页 URL
func (t *TrackerRewriter) warningURL(sender string, receivedAt time.Time, original string) string {
	payload, _ := json.Marshal(trackerWarningData{
		Sender:       sender,
		ReceivedAt:   receivedAt.Unix(),
		OriginalLink: original,
	})
	return t.interstitialURL + "#" + base64.URLEncoding.EncodeToString(payload)
}
