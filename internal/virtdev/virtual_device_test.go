package virtdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReport(t *testing.T) {
	tests := []struct {
		step int
		want []byte
	}{
		{step: 0, want: []byte{0x01, 0x81, 0x00}},
		{step: 1, want: []byte{0x02, 0x85, 0x00}},
		{step: 8, want: []byte{0x01, 0xa1, 0x00}},
		{step: 63, want: []byte{0x80, 0x7d, 0x00}},
		{step: 64, want: []byte{0x01, 0x7f, 0x00}},
	}
	for _, tt := range tests {
		got := Report(tt.step)
		assert.Len(t, got, ReportSize)
		assert.Equal(t, tt.want, got, "step %d", tt.step)
	}
}

func TestDescriptorCollectionClosed(t *testing.T) {
	assert.Equal(t, byte(0xa1), Descriptor[4])
	assert.Equal(t, byte(0xc0), Descriptor[len(Descriptor)-1])
}
