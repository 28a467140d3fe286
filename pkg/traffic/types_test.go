package traffic

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderSetKeepsOrderAndReplacesCaseInsensitively(t *testing.T) {
	h := NewHeader()
	h.Set("Accept", "a")
	h.Set("Cookie", "c=1")
	h.Set("accept", "b")

	assert.Equal(t, []Entry{{Name: "accept", Value: "b"}, {Name: "Cookie", Value: "c=1"}}, h.Entries())
	assert.Equal(t, "b", h.Get("ACCEPT"))
	assert.Equal(t, 2, h.Len())
}

func TestHeaderDelReindexes(t *testing.T) {
	h := FromEntries([]Entry{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}, {Name: "C", Value: "3"}})
	h.Del("b")
	assert.False(t, h.Has("B"))
	h.Set("c", "4")
	assert.Equal(t, []Entry{{Name: "A", Value: "1"}, {Name: "c", Value: "4"}}, h.Entries())
}

func TestHeaderCloneIsIndependent(t *testing.T) {
	h := FromEntries([]Entry{{Name: "A", Value: "1"}})
	c := h.Clone()
	c.Set("A", "2")
	c.Set("B", "3")
	assert.Equal(t, "1", h.Get("A"))
	assert.False(t, h.Has("B"))
}

func TestZeroHeader(t *testing.T) {
	var h Header
	assert.Equal(t, "", h.Get("x"))
	h.Set("X", "1")
	h.Set("", "ignored")
	assert.Equal(t, map[string]string{"X": "1"}, h.Map())
}

func TestFromHTTP(t *testing.T) {
	src := http.Header{}
	src.Add("Vary", "Accept")
	src.Add("Vary", "Origin")
	h := FromHTTP(src)
	assert.Equal(t, "Accept, Origin", h.Get("vary"))
}

func TestHeaderCopiesDoNotAlias(t *testing.T) {
	h := NewHeader()
	h.Set("A", "1")
	cp := h
	cp.Set("B", "2")
	cp.Set("A", "3")

	assert.False(t, h.Has("B"))
	assert.Equal(t, "", h.Get("B"))
	assert.Equal(t, "1", h.Get("A"))
	assert.Equal(t, 1, h.Len())

	cp.Del("A")
	assert.Equal(t, "1", h.Get("A"))
	assert.Equal(t, []Entry{{Name: "B", Value: "2"}}, cp.Entries())
}
