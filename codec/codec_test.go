package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONRoundtrip(t *testing.T) {
	in := record{Name: "seg-0", Count: 42}

	data, err := JSON{}.Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, JSON{}.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestByName(t *testing.T) {
	c, ok := ByName("json")
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())

	_, ok = ByName("protobuf")
	assert.False(t, ok)
}

func TestMustMarshalDefaults(t *testing.T) {
	data := MustMarshal(nil, record{Name: "x"})
	var out record
	require.NoError(t, Default.Unmarshal(data, &out))
	assert.Equal(t, "x", out.Name)
}
