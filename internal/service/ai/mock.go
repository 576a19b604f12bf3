package ai

import "hash/fnv"

var mockReplies = []string{
	"Anlıyorum. Bu konuda biraz daha anlatır mısınız?",
	"Güzel bir soru. Sizce en önemli nokta ne?",
	"Tabii, yardımcı olabilirim. Tam olarak neye ihtiyacınız var?",
	"Bunu duymak güzel. Başka neyi merak ediyorsunuz?",
	"Teşekkürler. Bir sonraki adımda ne yapmak istersiniz?",
}

// mockReply 按用户文本哈希选择固定回复，保证可重复。
func mockReply(userText string) string {
	h := fnv.New32a()
	h.Write([]byte(userText))
	return mockReplies[h.Sum32()%uint32(len(mockReplies))]
}
