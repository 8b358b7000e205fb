package ble

import (
	"regexp"
	"strings"
)

var nameMACPattern = regexp.MustCompile(`AirScale-([0-9A-Fa-f:]{17})`)

// ExtractMAC returns the WiFi MAC embedded in an advertised name such as
// "AirScale-9C:13:9E:BA:DC:90", upper-cased. Returns "" when the name does
// not carry one.
func ExtractMAC(name string) string {
	m := nameMACPattern.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// Identity names a sensor. WifiMAC is the stable key; DeviceID is whatever
// the platform needs to connect right now.
type Identity struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	WifiMAC  string `json:"wifi_mac"`
}

// IdentityFromScan derives an Identity from an advertisement.
func IdentityFromScan(r ScanResult) Identity {
	return Identity{DeviceID: r.DeviceID, Name: r.Name, WifiMAC: ExtractMAC(r.Name)}
}

// Key returns the identifier persistence is keyed by: the WiFi MAC, falling
// back to one extracted from the name.
func (id Identity) Key() string {
	if id.WifiMAC != "" {
		return strings.ToUpper(id.WifiMAC)
	}
	return ExtractMAC(id.Name)
}
