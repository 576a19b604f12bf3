package conversation

// Update 描述一次对话轮次后的变更，随音频响应通过 header 下发。
type Update struct {
	SessionID string `json:"sessionId"`
	User      Turn   `json:"user"`
	Assistant Turn   `json:"assistant"`
	History   []Turn `json:"history"`
}
