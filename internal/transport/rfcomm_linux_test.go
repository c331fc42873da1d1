package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBDAddr(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", formatBDAddr([6]uint8{0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa}))
}
