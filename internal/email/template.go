package email

import (
	"fmt"
	"html"

	"golang.org/x/text/language"
)

// 转发包裹模板的本地化文案。
// 纯文本邮件会被合成为 HTML 备选部分，顶部带一条说明横幅，
// 语言按用户档案里的 locale 匹配。

type bannerText struct {
	ForwardedBy string
}

var bannerTranslations = map[string]bannerText{
	"en":    {ForwardedBy: "This email was forwarded to you by Relay."},
	"de":    {ForwardedBy: "Diese E-Mail wurde von Relay an Sie weitergeleitet."},
	"fr":    {ForwardedBy: "Cet e-mail vous a été transféré par Relay."},
	"es":    {ForwardedBy: "Relay te ha reenviado este correo electrónico."},
	"zh-CN": {ForwardedBy: "这封邮件由 Relay 转发给你。"},
}

var bannerMatcher language.Matcher

var bannerTags []string

func init() {
	tags := []language.Tag{language.English} // 第一个是回退语言
	bannerTags = []string{"en"}
	for key := range bannerTranslations {
		if key == "en" {
			continue
		}
		tags = append(tags, language.MustParse(key))
		bannerTags = append(bannerTags, key)
	}
	bannerMatcher = language.NewMatcher(tags)
}

// bannerFor 按用户 locale 选择横幅文案
func bannerFor(locale string) bannerText {
	_, index, _ := bannerMatcher.Match(language.Make(locale))
	return bannerTranslations[bannerTags[index]]
}

// WrapTextAsHTML 把纯文本正文包装为带 Relay 横幅的 HTML 备选部分
func WrapTextAsHTML(text, locale, maskAddress string) string {
	banner := bannerFor(locale)
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body>
<div style="background:#f9f9fa;border-bottom:1px solid #ededf0;padding:12px;font-family:sans-serif;font-size:13px;color:#3d3d3d;">
%s (%s)
</div>
<pre style="white-space:pre-wrap;font-family:inherit;">%s</pre>
</body>
</html>
`, html.EscapeString(banner.ForwardedBy), html.EscapeString(maskAddress), html.EscapeString(text))
}
