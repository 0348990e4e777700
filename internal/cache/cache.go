// Package cache 提供步骤结果的短期缓存，条目按 TTL 过期。
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key 唯一标识一个缓存条目：链路模板、步骤名称与输入指纹。
type Key struct {
	ChainID     string
	Step        string
	Fingerprint string
}

// String 返回用于外部存储的键名。
func (k Key) String() string {
	return strings.Join([]string{k.ChainID, k.Step, k.Fingerprint}, ":")
}

// Cache 是执行器依赖的缓存能力。实现不得阻塞调用方，后端错误一律按未命中处理。
type Cache interface {
	Get(ctx context.Context, key Key) ([]byte, bool)
	Put(ctx context.Context, key Key, value []byte, ttl time.Duration)
}

// Fingerprint 计算输入的稳定指纹。encoding/json 对 map 键排序，因此相同内容得到相同结果。
func Fingerprint(parts ...any) (string, error) {
	h := xxhash.New()
	for _, part := range parts {
		data, err := json.Marshal(part)
		if err != nil {
			return "", err
		}
		_, _ = h.Write(data)
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Stats 汇总缓存命中情况。
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

// Recorder 接收命中与未命中事件，通常由指标模块实现。
type Recorder interface {
	CacheHit(chainID, step string)
	CacheMiss(chainID, step string)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string, string)  {}
func (nopRecorder) CacheMiss(string, string) {}
