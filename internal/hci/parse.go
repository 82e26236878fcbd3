// Package hci wraps the BlueZ link-layer tools: hciconfig for controller
// inventory, power and scan mode, and hcidump for packet capture.
package hci

import (
	"regexp"
	"strings"
)

// Unknown stands in for a field hciconfig did not report.
const Unknown = "Unknown"

// Controller is one local Bluetooth controller.
type Controller struct {
	Interface string
	Address   string
}

// ControllerDetails is the extended view of a controller from hciconfig -a.
type ControllerDetails struct {
	Interface    string
	Name         string
	Address      string
	Bus          string
	LinkMode     string
	LinkPolicy   string
	HCIVersion   string
	LMPVersion   string
	Manufacturer string
}

var (
	blockStartRe = regexp.MustCompile(`^(hci[0-9]+):\s`)
	bdAddrRe     = regexp.MustCompile(`(?i)BD Address: ([0-9A-F:]+)`)
	busRe        = regexp.MustCompile(`Bus: (\w+)`)
	nameRe       = regexp.MustCompile(`(?i)Name:\s*'(.+?)'`)
	linkModeRe   = regexp.MustCompile(`(?i)Link mode: (.+)`)
	linkPolRe    = regexp.MustCompile(`(?i)Link policy: (.+)`)
	hciVerRe     = regexp.MustCompile(`(?i)HCI Version:\s*([^\s]+ \([^)]+\))`)
	lmpVerRe     = regexp.MustCompile(`(?i)LMP Version:\s*([^\s]+ \([^)]+\))`)
	manufRe      = regexp.MustCompile(`(?i)Manufacturer: (.+)`)
)

// splitBlocks cuts hciconfig output into one block per controller.
func splitBlocks(out string) []string {
	var blocks []string
	var cur strings.Builder
	for _, line := range strings.Split(out, "\n") {
		if blockStartRe.MatchString(line) && cur.Len() > 0 {
			blocks = append(blocks, cur.String())
			cur.Reset()
		}
		if cur.Len() == 0 && !blockStartRe.MatchString(line) {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	if cur.Len() > 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}

// ParseControllers extracts every controller that reports a BD address, in
// output order.
func ParseControllers(out string) []Controller {
	var cs []Controller
	for _, b := range splitBlocks(out) {
		iface := blockStartRe.FindStringSubmatch(b)
		addr := bdAddrRe.FindStringSubmatch(b)
		if iface == nil || addr == nil {
			continue
		}
		cs = append(cs, Controller{Interface: iface[1], Address: strings.ToUpper(addr[1])})
	}
	return cs
}

// ParseDetails reads the first controller block of out. Missing fields are
// Unknown.
func ParseDetails(out string) ControllerDetails {
	if blocks := splitBlocks(out); len(blocks) > 0 {
		out = blocks[0]
	}
	find := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(out); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v
			}
		}
		return Unknown
	}
	return ControllerDetails{
		Interface:    find(blockStartRe),
		Name:         find(nameRe),
		Address:      find(bdAddrRe),
		Bus:          find(busRe),
		LinkMode:     find(linkModeRe),
		LinkPolicy:   find(linkPolRe),
		HCIVersion:   find(hciVerRe),
		LMPVersion:   find(lmpVerRe),
		Manufacturer: find(manufRe),
	}
}

// Basic is the one-line summary of d.
func (d ControllerDetails) Basic() string {
	return "Interface: " + d.Interface + "\tBus: " + d.Bus
}
