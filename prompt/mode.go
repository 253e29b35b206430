package prompt

import "strings"

// Mode 是每轮只决定一次的系统提示词模式。
type Mode int

const (
	// ModeRestricted 限定在保险与金融领域。
	ModeRestricted Mode = iota
	// ModeUnrestricted 用于让助手整理并记住用户自己的信息，不叠加记忆和检索。
	ModeUnrestricted
)

// MemoryTrigger 是进入无限制模式的消息前缀。
const MemoryTrigger = "Based on my recent messages, extract and remember"

const (
	RestrictedSystemPrompt = "You are AURA, an advanced assistant for insurance and finance. Provide precise, professional insights on health insurance, FinTech, risk management, and compliant financial advice. Refuse general topics and redirect to relevant contexts. Stay factual, concise, and analytical."

	UnrestrictedSystemPrompt = "You are a helpful AI assistant. Carefully analyze the user's conversation history and extract key information they want you to remember. Be thorough and accurate in identifying personal details, preferences, and important facts."
)

// SelectMode 根据用户原始输入选择模式。
func SelectMode(text string) Mode {
	if strings.HasPrefix(strings.TrimSpace(text), MemoryTrigger) {
		return ModeUnrestricted
	}
	return ModeRestricted
}

func (m Mode) SystemPrompt() string {
	if m == ModeUnrestricted {
		return UnrestrictedSystemPrompt
	}
	return RestrictedSystemPrompt
}

// AllowsAugmentation 报告该模式下是否注入记忆与检索内容。
func (m Mode) AllowsAugmentation() bool {
	return m == ModeRestricted
}

func (m Mode) String() string {
	if m == ModeUnrestricted {
		return "unrestricted"
	}
	return "restricted"
}
