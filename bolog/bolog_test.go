package bolog

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFormatIncludesCoreFields(t *testing.T) {
	id := uuid.New()
	line := Format(Event{
		DeviceID: id,
		Op:       "create",
		GPUAddr:  0x1000,
		Size:     4096,
		Label:    "scratch",
		CPUAddr:  0xdead0000,
		Handle:   7,
		FD:       -1,
	})

	require.Contains(t, line, "create")
	require.Contains(t, line, "size 4096")
	require.Contains(t, line, "label scratch")
	require.Contains(t, line, id.String())
	require.True(t, strings.Contains(line, "gpu=[0x1000,0x2000)"))
}

func TestFormatUsesPlaceholderForEmptyLabel(t *testing.T) {
	line := Format(Event{Op: "evict"})
	require.Contains(t, line, "label -")
}
