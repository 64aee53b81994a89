package ui

import (
	"bytes"
	"testing"

	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/eiannone/keyboard"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Out
	Out = &buf
	t.Cleanup(func() { Out = prev })
	return &buf
}

func TestPrintMetrics(t *testing.T) {
	buf := capture(t)
	PrintMetrics(models.MetricsRecord{Error: models.MetricsErrorNone, Time: "42", Path: "ROM"})
	require.Contains(t, buf.String(), "42 ms")
	require.Contains(t, buf.String(), "ROM")

	buf.Reset()
	PrintMetrics(models.MetricsRecord{Error: models.MetricsErrorDevice})
	require.Contains(t, buf.String(), "device error")
}

func TestPrintProgressLine(t *testing.T) {
	buf := capture(t)
	PrintProgressLine(models.UploadProgress{Progress: 0.5}, 256)
	require.Contains(t, buf.String(), " 50.0%")
	require.Contains(t, buf.String(), "128/256 bytes")
}

func TestPrintPorts(t *testing.T) {
	buf := capture(t)
	PrintPorts([]serial.PortInfo{{Name: "/dev/ttyACM0", IsUSB: true, VID: "0483", PID: "5740", Product: "STM32"}})
	require.Contains(t, buf.String(), "/dev/ttyACM0")
	require.Contains(t, buf.String(), "usb 0483:5740")

	buf.Reset()
	PrintPorts(nil)
	require.Contains(t, buf.String(), "no serial ports found")
}

func TestKeyRune(t *testing.T) {
	r, ok := keyRune('a', 0)
	require.True(t, ok)
	require.Equal(t, 'a', r)

	r, ok = keyRune(0, keyboard.KeyEnter)
	require.True(t, ok)
	require.Equal(t, rune(KeyEnter), r)

	_, ok = keyRune(0, keyboard.KeyF1)
	require.False(t, ok)
}
