package ble

import "testing"

func TestExtractMAC(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"AirScale-9C:13:9E:BA:DC:90", "9C:13:9E:BA:DC:90"},
		{"AirScale-9c:13:9e:ba:dc:90", "9C:13:9E:BA:DC:90"},
		{"AirScale-Hub", ""},
		{"AirScale-9C:13:9E", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractMAC(tt.name); got != tt.want {
				t.Errorf("ExtractMAC(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestIdentityKey(t *testing.T) {
	tests := []struct {
		id   Identity
		want string
	}{
		{Identity{WifiMAC: "aa:bb:cc:dd:ee:ff"}, "AA:BB:CC:DD:EE:FF"},
		{Identity{Name: "AirScale-AA:BB:CC:DD:EE:01"}, "AA:BB:CC:DD:EE:01"},
		{Identity{DeviceID: "uuid-only"}, ""},
	}
	for _, tt := range tests {
		if got := tt.id.Key(); got != tt.want {
			t.Errorf("%+v.Key() = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestScanFilterMatch(t *testing.T) {
	f := ScanFilter{NamePrefix: "AirScale"}
	if !f.Match(ScanResult{Name: "AirScale-AA:BB:CC:DD:EE:01"}) {
		t.Error("prefixed name rejected")
	}
	if f.Match(ScanResult{Name: "Speaker"}) {
		t.Error("foreign name accepted")
	}
	if !(ScanFilter{}).Match(ScanResult{Name: "anything"}) {
		t.Error("empty filter rejected a result")
	}
}
