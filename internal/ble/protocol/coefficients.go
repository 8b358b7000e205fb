package protocol

import (
	"encoding/json"
	"fmt"
)

// Coefficients is the calibration payload written to the coefficients
// characteristic. TargetMAC addresses a mesh device through the hub.
type Coefficients struct {
	Channel              int     `json:"channel"`
	Intercept            float64 `json:"intercept"`
	AirPressureCoeff     float64 `json:"air_pressure_coeff"`
	AmbientPressureCoeff float64 `json:"ambient_pressure_coeff"`
	AirTempCoeff         float64 `json:"air_temp_coeff"`
	TargetMAC            string  `json:"target_mac"`
}

// Marshal encodes c for the coefficients characteristic.
func (c Coefficients) Marshal() ([]byte, error) {
	if c.Channel < 1 {
		return nil, fmt.Errorf("protocol: invalid coefficient channel %d", c.Channel)
	}
	return json.Marshal(c)
}
