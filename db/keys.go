// db/keys.go
package db

import (
	"fmt"
	"strconv"
	"strings"
)

// ===================== 版本控制 =====================
// 设置全局 Key 版本前缀（例如 "v1" → 产出 "v1_<key>"）。
const KeyVersion = "v1"

func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// —— 积压队列 ——
// 例：v1_backlog_<account>_<%020d height>
// Heights are zero padded so badger's key order is height order.
func KeyBacklog(account string, height uint64) string {
	return withVer(fmt.Sprintf("backlog_%s_%020d", account, height))
}

func KeyBacklogPrefix(account string) string {
	return withVer(fmt.Sprintf("backlog_%s_", account))
}

// HeightFromBacklogKey parses the height back out of a KeyBacklog key.
func HeightFromBacklogKey(key string) (uint64, error) {
	idx := strings.LastIndexByte(key, '_')
	if idx < 0 || idx == len(key)-1 {
		return 0, fmt.Errorf("malformed backlog key %q", key)
	}
	return strconv.ParseUint(key[idx+1:], 10, 64)
}
