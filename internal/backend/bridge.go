package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/airscales/airscale-bridge/internal/ble/protocol"
)

// ConnectNotice announces a fresh BLE connection.
type ConnectNotice struct {
	MAC        string `json:"mac_address"`
	UserID     string `json:"user_id,omitempty"`
	DeviceName string `json:"device_name"`
}

// ChannelReading is one load channel in an upload.
type ChannelReading struct {
	Channel     int     `json:"channel"`
	AirPressure float64 `json:"air_pressure"`
	Weight      float64 `json:"weight"`
}

// DataPoint is one timestamped sample in an upload.
type DataPoint struct {
	Timestamp           time.Time        `json:"timestamp"`
	Channels            []ChannelReading `json:"channels"`
	MainAirPressure     float64          `json:"main_air_pressure"`
	AtmosphericPressure float64          `json:"atmospheric_pressure"`
	Temperature         float64          `json:"temperature"`
	Elevation           *float64         `json:"elevation"`
	GPSLat              *float64         `json:"gps_lat"`
	GPSLng              *float64         `json:"gps_lng"`
}

// DataUpload is the body of POST /api/bridge/data.
type DataUpload struct {
	MAC                 string      `json:"mac_address"`
	DeviceName          string      `json:"device_name"`
	FirmwareVersion     string      `json:"firmware_version"`
	DataPoints          []DataPoint `json:"data_points"`
	RequestCoefficients bool        `json:"request_coefficients"`
}

// SlaveCoefficients is one calibration set the backend wants pushed to a
// mesh device.
type SlaveCoefficients struct {
	MAC                  string  `json:"mac_address"`
	Channel              int     `json:"channel"`
	Intercept            float64 `json:"intercept"`
	AirPressureCoeff     float64 `json:"air_pressure_coeff"`
	AmbientPressureCoeff float64 `json:"ambient_pressure_coeff"`
	AirTempCoeff         float64 `json:"air_temp_coeff"`
}

// Coefficients converts s to the BLE wire form.
func (s SlaveCoefficients) Coefficients() protocol.Coefficients {
	return protocol.Coefficients{
		Channel:              s.Channel,
		Intercept:            s.Intercept,
		AirPressureCoeff:     s.AirPressureCoeff,
		AmbientPressureCoeff: s.AmbientPressureCoeff,
		AirTempCoeff:         s.AirTempCoeff,
		TargetMAC:            s.MAC,
	}
}

// DataResponse is the reply to an upload.
type DataResponse struct {
	Status            string              `json:"status,omitempty"`
	SlaveCoefficients []SlaveCoefficients `json:"slave_coefficients,omitempty"`
}

// MeshReport is the body of POST /api/bridge/mesh/register.
type MeshReport struct {
	MAC             string   `json:"mac_address"`
	Role            string   `json:"role"`
	ConnectedSlaves []string `json:"connected_slaves"`
	DeviceType      string   `json:"device_type"`
	SignalStrength  *int     `json:"signal_strength"`
}

// NotifyConnect tells the backend which sensor the bridge just connected to.
func (c *Client) NotifyConnect(ctx context.Context, mac, deviceName string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/bridge/connect", ConnectNotice{
		MAC:        mac,
		UserID:     c.userID,
		DeviceName: deviceName,
	}, nil)
}

// SendData uploads readings and returns any coefficients to distribute.
func (c *Client) SendData(ctx context.Context, up DataUpload) (*DataResponse, error) {
	var resp DataResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/bridge/data", up, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterMesh reports the observed mesh topology. DeviceType defaults to
// the client's device type.
func (c *Client) RegisterMesh(ctx context.Context, r MeshReport) error {
	if r.DeviceType == "" {
		r.DeviceType = c.deviceType
	}
	if r.ConnectedSlaves == nil {
		r.ConnectedSlaves = []string{}
	}
	return c.doJSON(ctx, http.MethodPost, "/api/bridge/mesh/register", r, nil)
}
