package service

// 功能开关名称集合。开关按用户求值，新名字需要运营侧同步配置。
const (
	// FlagDeactivateMaskOnComplaint 投诉处置时停用 From 头部命中的掩码并通知用户
	FlagDeactivateMaskOnComplaint = "deactivate_mask_on_complaint"
	// FlagCustomFromAddress 允许外发 From 使用按用户配置的发件地址
	FlagCustomFromAddress = "custom_from_address"
)

// FlagSource 功能开关求值接口
type FlagSource interface {
	// Enabled 判断开关对指定用户是否开启；userID 为空表示全局求值
	Enabled(flag, userID string) bool
}

// StaticFlags 静态开关表，按名称全局开关，忽略用户维度。
// 没有配置中心时的默认实现，测试中也用它。
type StaticFlags map[string]bool

// Enabled 实现 FlagSource
func (f StaticFlags) Enabled(flag, _ string) bool {
	return f[flag]
}
