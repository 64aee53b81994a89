package ui

import (
	"fmt"
	"strings"

	"github.com/CK6170/loadstone-relay/models"
	"github.com/CK6170/loadstone-relay/serial"
)

// PrintProgressLine prints a single in-place (carriage-return) line with the
// upload progress.
func PrintProgressLine(p models.UploadProgress, total int) {
	sent := int(p.Progress * float64(total))
	line := fmt.Sprintf("\r%s %5.1f%%  %d/%d bytes", labelStyle.Render("[UPLOAD]"), p.Progress*100, sent, total)
	fmt.Fprint(Out, line+"          ")
}

// PrintMetrics prints a boot metrics record.
func PrintMetrics(rec models.MetricsRecord) {
	if !rec.OK() {
		Errorf("boot metrics unavailable (%s error)\n", rec.Error)
		return
	}
	fmt.Fprintf(Out, "%s %s ms\n", labelStyle.Render("Boot time:"), rec.Time)
	fmt.Fprintf(Out, "%s %s\n", labelStyle.Render("Boot path:"), rec.Path)
}

// PrintPorts lists serial ports, USB adapters first as returned.
func PrintPorts(ports []serial.PortInfo) {
	if len(ports) == 0 {
		Warningf("no serial ports found\n")
		return
	}
	for _, p := range ports {
		var details []string
		if p.IsUSB {
			details = append(details, fmt.Sprintf("usb %s:%s", p.VID, p.PID))
		}
		if p.Product != "" {
			details = append(details, p.Product)
		}
		if p.SerialNumber != "" {
			details = append(details, "sn "+p.SerialNumber)
		}
		line := p.Name
		if len(details) > 0 {
			line += "  " + dimStyle.Render(strings.Join(details, ", "))
		}
		fmt.Fprintln(Out, line)
	}
}
