package email

import (
	"bytes"
	"fmt"
	"net/mail"
	"net/textproto"
	"regexp"
	"strings"
)

// Headers 是带缺陷收集的有序头部集合。
//
// 真实世界的入站邮件头部并不总符合 RFC 5322（显示名里的未加引号逗号、
// 带方括号的 message-id、嵌套尖括号、编码后的尾随换行等）。解析时不
// 抛错，而是把缺陷记入 Defects，由转发管线决定是否继续。
type Headers struct {
	entries []HeaderEntry
	index   map[string][]int // 规范化名字 -> entries 下标
	Defects []string
}

// HeaderEntry 单个头部
type HeaderEntry struct {
	Name  string
	Value string
}

// ownedHeaders 是转发改写管线"拥有"的头部：输出时由改写结果决定，
// 入站值不会原样透传。其余头部属于附加半区，原样保留。
var ownedHeaders = map[string]struct{}{
	"From": {}, "To": {}, "Cc": {}, "Bcc": {}, "Reply-To": {}, "Resent-From": {},
	"Sender": {}, "Message-Id": {}, "Return-Path": {}, "Dkim-Signature": {},
}

// NewHeaders 创建空头部集合
func NewHeaders() *Headers {
	return &Headers{index: make(map[string][]int)}
}

func canonicalName(name string) string {
	return textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
}

// Add 追加一个头部
func (h *Headers) Add(name, value string) {
	canonical := canonicalName(name)
	h.index[canonical] = append(h.index[canonical], len(h.entries))
	h.entries = append(h.entries, HeaderEntry{Name: canonical, Value: value})
}

// Set 替换同名头部（保留首个出现位置），不存在则追加
func (h *Headers) Set(name, value string) {
	canonical := canonicalName(name)
	positions, ok := h.index[canonical]
	if !ok || len(positions) == 0 {
		h.Add(canonical, value)
		return
	}
	h.entries[positions[0]].Value = value
	// 删除多余的同名头部
	for _, pos := range positions[1:] {
		h.entries[pos].Name = ""
	}
	h.index[canonical] = positions[:1]
}

// Get 返回首个同名头部的值，不存在返回空串
func (h *Headers) Get(name string) string {
	positions, ok := h.index[canonicalName(name)]
	if !ok || len(positions) == 0 {
		return ""
	}
	return h.entries[positions[0]].Value
}

// Has 判断头部是否存在
func (h *Headers) Has(name string) bool {
	positions, ok := h.index[canonicalName(name)]
	return ok && len(positions) > 0
}

// Del 删除所有同名头部
func (h *Headers) Del(name string) {
	canonical := canonicalName(name)
	for _, pos := range h.index[canonical] {
		h.entries[pos].Name = ""
	}
	delete(h.index, canonical)
}

// Entries 返回有效头部（跳过已删除项）
func (h *Headers) Entries() []HeaderEntry {
	out := make([]HeaderEntry, 0, len(h.entries))
	for _, e := range h.entries {
		if e.Name != "" {
			out = append(out, e)
		}
	}
	return out
}

// IsOwned 判断头部是否属于改写管线拥有的半区
func IsOwned(name string) bool {
	_, ok := ownedHeaders[canonicalName(name)]
	return ok
}

// addDefect 记录一处缺陷
func (h *Headers) addDefect(format string, args ...interface{}) {
	h.Defects = append(h.Defects, fmt.Sprintf(format, args...))
}

// SplitMessage 把原始 MIME 切分为头部块与正文。
// 头部块以首个空行结束；没有空行时整体按头部处理。
func SplitMessage(raw []byte) (headerBlock, body []byte) {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if i := bytes.Index(raw, []byte(sep)); i >= 0 {
			return raw[:i], raw[i+len(sep):]
		}
	}
	return raw, nil
}

// ParseHeaders 宽容地解析头部块。
// 非法行不中断解析：没有冒号的行、以空白开头却没有前序头部的行，
// 都计入缺陷并跳过。
func ParseHeaders(headerBlock []byte) *Headers {
	h := NewHeaders()

	lines := strings.Split(strings.ReplaceAll(string(headerBlock), "\r\n", "\n"), "\n")
	var name, value string
	flush := func() {
		if name != "" {
			h.Add(name, value)
			name, value = "", ""
		}
	}

	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// 折行续接
			if name == "" {
				h.addDefect("continuation line without a preceding header: %q", strings.TrimSpace(line))
				continue
			}
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		colon := strings.IndexByte(line, ':')
		if colon < 1 {
			h.addDefect("malformed header line: %q", line)
			continue
		}
		name = line[:colon]
		value = strings.TrimSpace(line[colon+1:])
	}
	flush()
	return h
}

// angleAddrRegex 提取显示名之后最后一个 <...> 形式的地址
var angleAddrRegex = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+)>\s*$`)

// ParseAddressTolerant 宽容地解析单个地址头部。
// 依次尝试：标准解析 → 去掉编码词里混入的换行再解析 →
// 取末尾的 <addr> 并把前缀整体当作显示名。全部失败时返回错误。
func ParseAddressTolerant(value string) (*mail.Address, []string, error) {
	var defects []string

	value = strings.TrimSpace(value)
	if value == "" {
		return nil, defects, fmt.Errorf("empty address header")
	}

	if addr, err := mail.ParseAddress(value); err == nil {
		return addr, defects, nil
	}

	// 编码词中混入的换行（encoded trailing newline 缺陷）
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(value)
	if cleaned != value {
		defects = append(defects, "newline inside address header")
		if addr, err := mail.ParseAddress(cleaned); err == nil {
			return addr, defects, nil
		}
	}

	// 显示名里的未加引号逗号 / 嵌套尖括号：取末尾的尖括号地址
	if m := angleAddrRegex.FindStringSubmatch(cleaned); m != nil {
		display := strings.TrimSpace(strings.TrimSuffix(cleaned, m[0]))
		display = strings.Trim(display, `"`)
		defects = append(defects, fmt.Sprintf("recovered address from malformed header: %q", value))
		return &mail.Address{Name: display, Address: m[1]}, defects, nil
	}

	// 裸地址外包了方括号等垃圾字符
	stripped := strings.Trim(cleaned, "<>[] ")
	if strings.Count(stripped, "@") == 1 && !strings.ContainsAny(stripped, " \t") {
		defects = append(defects, fmt.Sprintf("bare address with stray brackets: %q", value))
		return &mail.Address{Address: stripped}, defects, nil
	}

	return nil, defects, fmt.Errorf("unparseable address header: %q", value)
}

// messageIDRegex 提取 <...> 形式的 message-id
var messageIDRegex = regexp.MustCompile(`<([^<>]+)>`)

// ExtractMessageIDs 从 In-Reply-To / References 的值中提取 message-id 列表。
// 能容忍多余的方括号与嵌套尖括号；没有任何尖括号时退化为按空白切分。
func ExtractMessageIDs(value string) []string {
	var ids []string
	for _, m := range messageIDRegex.FindAllStringSubmatch(value, -1) {
		id := strings.TrimSpace(m[1])
		if id != "" {
			ids = append(ids, id)
		}
	}
	if ids == nil {
		for _, token := range strings.Fields(value) {
			token = strings.Trim(token, "<>[]")
			if token != "" {
				ids = append(ids, token)
			}
		}
	}
	return ids
}
