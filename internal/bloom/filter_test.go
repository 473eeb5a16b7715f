package bloom

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every added key is reported as possibly present", prop.ForAll(
		func(keys []string) bool {
			f := Build(keys, 0.01)
			for _, k := range keys {
				if !f.MayContain(k) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = fmt.Sprintf("order-%d", i)
	}
	f := Build(keys, 0.01)

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if f.MayContain(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}
	assert.Less(t, float64(falsePositives)/10000, 0.05)
	assert.Less(t, f.FalsePositiveRate(), 0.05)
	assert.Equal(t, uint64(1000), f.Count())
}

func TestFilter_MarshalRoundTrip(t *testing.T) {
	f := Build([]string{"101", "102", "103"}, 0.01)

	got, err := Unmarshal(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f.NumBits(), got.NumBits())
	assert.Equal(t, f.Count(), got.Count())
	assert.True(t, got.MayContainAny([]string{"999", "102"}))
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)

	data := Build([]string{"a"}, 0.01).Marshal()
	_, err = Unmarshal(data[:len(data)-1])
	assert.Error(t, err)
}
