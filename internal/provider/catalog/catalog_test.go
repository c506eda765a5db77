package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/imgrelay/internal/provider"
)

func TestBuild_OnlyPresentProviders(t *testing.T) {
	reg := Build(map[string]provider.Config{
		"volcengine": {APIKey: "ark"},
		"zhipu":      {APIKey: "zp"},
		"qianfan":    {APIKey: "wrong field"},
		"xunfei":     {AppID: "a", APIKey: "k"},
		"tongyi":     {APIKey: "   "},
	}, Deps{})

	assert.Equal(t, []string{"zhipu", "tongyi", "volcengine"}, reg.Names(),
		"registration follows catalog order, not map order")
	assert.Equal(t, []string{"zhipu", "volcengine"}, reg.Active())
	assert.True(t, reg.Has("tongyi"), "blank credential still registers")
	assert.False(t, reg.IsActive("tongyi"))
	assert.False(t, reg.Has("qianfan"))
	assert.False(t, reg.Has("xunfei"))
}

func TestBuild_Empty(t *testing.T) {
	reg := Build(nil, Deps{})
	assert.Empty(t, reg.Names())
	assert.Empty(t, reg.Active())
}

func TestBuild_TongyiIsEditor(t *testing.T) {
	reg := Build(map[string]provider.Config{"tongyi": {APIKey: "k"}}, Deps{})
	ed, err := reg.Editor("tongyi")
	require.NoError(t, err)
	assert.Equal(t, "tongyi", ed.Name())
}

func TestLookup(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"zhipu", "zhipu", true},
		{"huoshan", "volcengine", true},
		{" Volcengine ", "volcengine", true},
		{"wenxin", "qianfan", true},
		{"midjourney", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			e, ok := Lookup(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, e.Name)
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"zhipu", "qianfan", "ppio", "tongyi", "volcengine", "xunfei", "openai"}, Names())
}
