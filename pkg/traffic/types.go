package traffic

import (
	"net/http"
	"strings"
)

// Entry 单个头部条目
type Entry struct {
	Name  string
	Value string
}

// Header 有序的头部集合，名称大小写不敏感且不重复。
// 修改时总是写入新的底层数组，值拷贝之间互不影响。
type Header struct {
	entries []Entry
}

// NewHeader 创建空的头部集合
func NewHeader() Header {
	return Header{}
}

// FromEntries 按顺序构建头部集合，重复名称以后者为准
func FromEntries(entries []Entry) Header {
	h := NewHeader()
	for _, e := range entries {
		h.Set(e.Name, e.Value)
	}
	return h
}

// FromHTTP 将 net/http 头部转换为有序头部集合（多值以逗号合并）
func FromHTTP(src http.Header) Header {
	h := NewHeader()
	for k, vs := range src {
		h.Set(k, strings.Join(vs, ", "))
	}
	return h
}

func (h Header) find(key string) int {
	for i, e := range h.entries {
		if strings.EqualFold(e.Name, key) {
			return i
		}
	}
	return -1
}

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if i := h.find(key); i >= 0 {
		return h.entries[i].Value
	}
	return ""
}

// Has 判断是否存在指定 Header
func (h Header) Has(key string) bool {
	return h.find(key) >= 0
}

// Set 设置指定 Header 的值；已存在时原位替换，名称采用最新写入者的写法
func (h *Header) Set(key, value string) {
	if key == "" {
		return
	}
	n := len(h.entries)
	if i := h.find(key); i >= 0 {
		out := make([]Entry, n)
		copy(out, h.entries)
		out[i] = Entry{Name: key, Value: value}
		h.entries = out
		return
	}
	h.entries = append(h.entries[:n:n], Entry{Name: key, Value: value})
}

// Del 删除指定 Header
func (h *Header) Del(key string) {
	i := h.find(key)
	if i < 0 {
		return
	}
	out := make([]Entry, 0, len(h.entries)-1)
	out = append(out, h.entries[:i]...)
	h.entries = append(out, h.entries[i+1:]...)
}

// Len 返回条目数量
func (h Header) Len() int {
	return len(h.entries)
}

// Entries 按插入顺序返回条目副本
func (h Header) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Map 返回普通 map 形式
func (h Header) Map() map[string]string {
	out := make(map[string]string, len(h.entries))
	for _, e := range h.entries {
		out[e.Name] = e.Value
	}
	return out
}

// Clone 深拷贝
func (h Header) Clone() Header {
	return FromEntries(h.entries)
}
