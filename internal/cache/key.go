package cache

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// entryExt 标识条目的结构化格式。
const entryExt = ".json"

// Key 唯一定位一个缓存条目：Namespace 取自 origin 的 authority，Hash 为键输入的 MD5。
type Key struct {
	Namespace string
	Hash      string
}

// Location 返回 <namespace>/<hash>.json，文件后端据此拼接磁盘路径，其它后端用作主键。
func (k Key) Location() string {
	return k.Namespace + "/" + k.Hash + entryExt
}

func (k Key) String() string {
	return k.Location()
}

// DeriveKey 根据请求路径（或 KeyInput 的结果）与 origin 派生缓存键。
// 相同输入总是得到相同位置；authority 不同的 origin 落在不同 namespace。
func DeriveKey(input, origin string) Key {
	sum := md5.Sum([]byte(input))
	return Key{
		Namespace: Namespace(origin),
		Hash:      hex.EncodeToString(sum[:]),
	}
}

// Namespace 取 origin 的 host[:port]，并把不能出现在路径段中的字符替换为 "_"。
// userinfo 不参与命名，凭据不会出现在缓存目录名中。
func Namespace(origin string) string {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return "_"
	}
	return namespaceReplacer.Replace(parsed.Host)
}

var namespaceReplacer = strings.NewReplacer(
	":", "_",
	"/", "_",
	"\\", "_",
	"\x00", "_",
)

// KeyInput 构造参与哈希的字符串。默认只使用路径，仅查询串不同的请求会命中同一条目；
// includeQuery 为 true 时追加 "?query" 以区分。
func KeyInput(path, rawQuery string, includeQuery bool) string {
	if includeQuery && rawQuery != "" {
		return path + "?" + rawQuery
	}
	return path
}
