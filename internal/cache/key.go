package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// 缓存命名空间。
const (
	NamespaceLLM      = "llm"
	NamespaceCompress = "compress"
	NamespaceSQL      = "sql"
	NamespaceShell    = "shell"
	NamespaceSkills   = "skills"
)

// Key 生成 "<namespace>:<sha256 前 16 位十六进制>" 形式的键。
// 非字符串数据先编码为 JSON，map 的键按字典序排列，因此等价输入得到相同的键。
func Key(namespace string, data any) string {
	var payload []byte
	switch v := data.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", v))
		}
		payload = raw
	}
	sum := sha256.Sum256(payload)
	return namespace + ":" + hex.EncodeToString(sum[:])[:16]
}
