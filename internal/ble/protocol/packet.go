// Package protocol implements the AirScale wire formats: the 45-byte sensor
// notification frame, its legacy JSON predecessor, OTA control frames and the
// calibration coefficient payload.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PacketSize is the length of a binary sensor frame.
const PacketSize = 45

// Byte offsets within a binary sensor frame. Multi-byte fields are little-endian.
const (
	offType             = 0
	offMAC              = 1
	offCh1AirPressure   = 7
	offCh2AirPressure   = 11
	offAtmospheric      = 15
	offTemperature      = 19
	offCh1Weight        = 23
	offCh2Weight        = 27
	offTotalWeight      = 31
	offBattery          = 35
	offDeviceCount      = 36
	offFleetTotalWeight = 37
	offFirmware         = 41
	offESPNowRSSI       = 44
)

// Role identifies whether a frame came from the hub or from a mesh device.
type Role string

const (
	RoleHub    Role = "hub"
	RoleDevice Role = "device"
)

// ErrMalformed is returned for payloads that are neither a binary frame nor
// valid legacy JSON.
var ErrMalformed = errors.New("protocol: malformed sensor payload")

// Version is a firmware version as reported in sensor frames.
type Version struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
	Patch uint8 `json:"patch"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	var v Version
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d.%d.%d", &v.Major, &v.Minor, &v.Patch); err != nil {
		return Version{}, fmt.Errorf("protocol: parse version %q: %w", s, err)
	}
	return v, nil
}

// HubInfo holds the fields only a hub reports.
type HubInfo struct {
	DeviceCount      uint8   `json:"device_count"`
	FleetTotalWeight float32 `json:"fleet_total_weight"`
}

// NodeInfo holds the fields only a mesh device reports.
type NodeInfo struct {
	ESPNowRSSI int8 `json:"espnow_rssi"`
}

// Reading is one decoded sensor notification. Exactly one of Hub and Node is
// set, selected by Role.
type Reading struct {
	Role           Role    `json:"role"`
	MAC            string  `json:"mac_address"`
	Ch1AirPressure float32 `json:"ch1_air_pressure"`
	Ch2AirPressure float32 `json:"ch2_air_pressure"`
	Atmospheric    float32 `json:"atmospheric_pressure"`
	Temperature    float32 `json:"temperature"`
	Ch1Weight      float32 `json:"ch1_weight"`
	Ch2Weight      float32 `json:"ch2_weight"`
	TotalWeight    float32 `json:"total_weight"`
	Battery        uint8   `json:"battery"`
	Firmware       Version `json:"firmware_version"`

	Hub  *HubInfo  `json:"hub,omitempty"`
	Node *NodeInfo `json:"node,omitempty"`

	// RSSI is the link RSSI some legacy JSON frames carry. Binary frames never set it.
	RSSI *int `json:"rssi,omitempty"`
}

// IsHub reports whether the reading was produced by the hub.
func (r *Reading) IsHub() bool { return r.Role == RoleHub }

// Decode parses a sensor notification. A payload of exactly PacketSize bytes
// is treated as a binary frame; anything else is tried as legacy JSON.
func Decode(b []byte) (*Reading, error) {
	if len(b) == PacketSize {
		return decodeBinary(b), nil
	}
	return decodeLegacy(b)
}

func decodeBinary(b []byte) *Reading {
	f32 := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+4]))
	}

	r := &Reading{
		MAC:            FormatMAC(b[offMAC : offMAC+6]),
		Ch1AirPressure: f32(offCh1AirPressure),
		Ch2AirPressure: f32(offCh2AirPressure),
		Atmospheric:    f32(offAtmospheric),
		Temperature:    f32(offTemperature),
		Ch1Weight:      f32(offCh1Weight),
		Ch2Weight:      f32(offCh2Weight),
		TotalWeight:    f32(offTotalWeight),
		Battery:        b[offBattery],
		Firmware: Version{
			Major: b[offFirmware],
			Minor: b[offFirmware+1],
			Patch: b[offFirmware+2],
		},
	}

	if b[offType] == 0 {
		r.Role = RoleHub
		r.Hub = &HubInfo{
			DeviceCount:      b[offDeviceCount],
			FleetTotalWeight: f32(offFleetTotalWeight),
		}
	} else {
		r.Role = RoleDevice
		r.Node = &NodeInfo{ESPNowRSSI: int8(b[offESPNowRSSI])}
	}
	return r
}

// legacyFrame is the JSON shape older firmware notifies with.
type legacyFrame struct {
	MAC              string   `json:"mac_address"`
	Role             string   `json:"role"`
	Ch1AirPressure   float32  `json:"ch1_air_pressure"`
	Ch2AirPressure   float32  `json:"ch2_air_pressure"`
	Atmospheric      float32  `json:"atmospheric_pressure"`
	Temperature      float32  `json:"temperature"`
	Ch1Weight        float32  `json:"ch1_weight"`
	Ch2Weight        float32  `json:"ch2_weight"`
	TotalWeight      float32  `json:"total_weight"`
	Battery          uint8    `json:"battery"`
	DeviceCount      uint8    `json:"device_count"`
	FleetTotalWeight float32  `json:"fleet_total_weight"`
	ESPNowRSSI       int8     `json:"espnow_rssi"`
	FirmwareVersion  string   `json:"firmware_version"`
	RSSI             *float64 `json:"rssi"`

	// Fleet envelope: the notifying sensor plus its ESP-NOW peers.
	Devices   []legacyDevice `json:"devices"`
	MasterMAC string         `json:"master_mac"`
}

type legacyDevice struct {
	MAC         string  `json:"mac_address"`
	Role        string  `json:"role"`
	Temperature float32 `json:"temperature"`
	Weight      float32 `json:"weight"`
}

func decodeLegacy(b []byte) (*Reading, error) {
	var f legacyFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.MAC == "" && len(f.Devices) > 0 {
		return decodeEnvelope(&f)
	}
	if f.MAC == "" {
		return nil, fmt.Errorf("%w: missing mac_address", ErrMalformed)
	}

	r := &Reading{
		MAC:            strings.ToUpper(f.MAC),
		Ch1AirPressure: f.Ch1AirPressure,
		Ch2AirPressure: f.Ch2AirPressure,
		Atmospheric:    f.Atmospheric,
		Temperature:    f.Temperature,
		Ch1Weight:      f.Ch1Weight,
		Ch2Weight:      f.Ch2Weight,
		TotalWeight:    f.TotalWeight,
		Battery:        f.Battery,
	}
	if f.FirmwareVersion != "" {
		if v, err := ParseVersion(f.FirmwareVersion); err == nil {
			r.Firmware = v
		}
	}
	if f.RSSI != nil {
		rssi := int(math.Round(*f.RSSI))
		r.RSSI = &rssi
	}

	switch strings.ToLower(f.Role) {
	case "hub", "master":
		r.Role = RoleHub
		r.Hub = &HubInfo{DeviceCount: f.DeviceCount, FleetTotalWeight: f.FleetTotalWeight}
	default:
		r.Role = RoleDevice
		r.Node = &NodeInfo{ESPNowRSSI: f.ESPNowRSSI}
	}
	return r, nil
}

// decodeEnvelope maps the fleet envelope onto a hub reading for the sensor
// that sent it. That sensor is master_mac, else the entry with role master,
// else the first entry. total_weight covers the whole fleet.
func decodeEnvelope(f *legacyFrame) (*Reading, error) {
	self := f.Devices[0]
	found := false
	for _, d := range f.Devices {
		if f.MasterMAC != "" && strings.EqualFold(d.MAC, f.MasterMAC) {
			self, found = d, true
			break
		}
	}
	if !found {
		for _, d := range f.Devices {
			if strings.EqualFold(d.Role, "master") {
				self = d
				break
			}
		}
	}

	mac := f.MasterMAC
	if mac == "" {
		mac = self.MAC
	}
	if mac == "" {
		return nil, fmt.Errorf("%w: missing mac_address", ErrMalformed)
	}

	count := f.DeviceCount
	if count == 0 {
		count = uint8(min(len(f.Devices), math.MaxUint8))
	}
	r := &Reading{
		Role:        RoleHub,
		MAC:         strings.ToUpper(mac),
		Temperature: self.Temperature,
		Ch1Weight:   self.Weight,
		TotalWeight: self.Weight,
		Hub:         &HubInfo{DeviceCount: count, FleetTotalWeight: f.TotalWeight},
	}
	if f.RSSI != nil {
		rssi := int(math.Round(*f.RSSI))
		r.RSSI = &rssi
	}
	return r, nil
}

// Encode produces the binary frame for r. The inverse of Decode for binary
// frames.
func Encode(r Reading) ([]byte, error) {
	mac, err := ParseMAC(r.MAC)
	if err != nil {
		return nil, err
	}

	b := make([]byte, PacketSize)
	putF32 := func(off int, v float32) {
		binary.LittleEndian.PutUint32(b[off:off+4], math.Float32bits(v))
	}

	copy(b[offMAC:offMAC+6], mac)
	putF32(offCh1AirPressure, r.Ch1AirPressure)
	putF32(offCh2AirPressure, r.Ch2AirPressure)
	putF32(offAtmospheric, r.Atmospheric)
	putF32(offTemperature, r.Temperature)
	putF32(offCh1Weight, r.Ch1Weight)
	putF32(offCh2Weight, r.Ch2Weight)
	putF32(offTotalWeight, r.TotalWeight)
	b[offBattery] = r.Battery
	b[offFirmware] = r.Firmware.Major
	b[offFirmware+1] = r.Firmware.Minor
	b[offFirmware+2] = r.Firmware.Patch

	switch r.Role {
	case RoleHub:
		b[offType] = 0
		if r.Hub != nil {
			b[offDeviceCount] = r.Hub.DeviceCount
			putF32(offFleetTotalWeight, r.Hub.FleetTotalWeight)
		}
	case RoleDevice:
		b[offType] = 1
		if r.Node != nil {
			b[offESPNowRSSI] = byte(r.Node.ESPNowRSSI)
		}
	default:
		return nil, fmt.Errorf("protocol: unknown role %q", r.Role)
	}
	return b, nil
}

// FormatMAC renders six bytes as upper-case colon-separated hex.
func FormatMAC(b []byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

// ParseMAC parses "AA:BB:CC:DD:EE:FF" (either case).
func ParseMAC(s string) ([]byte, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return nil, fmt.Errorf("protocol: invalid MAC %q", s)
	}
	out := make([]byte, 6)
	for i, p := range parts {
		if len(p) != 2 {
			return nil, fmt.Errorf("protocol: invalid MAC %q", s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("protocol: invalid MAC %q: %w", s, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}
