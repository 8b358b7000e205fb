package backend

import (
	"context"
	"net/http"

	"github.com/airscales/airscale-bridge/internal/ble"
)

const autoSwitchPath = "/api/settings/ble-auto-switch"

var _ ble.SettingsSource = (*Client)(nil)

// AutoSwitch fetches the user's auto-switch preference.
func (c *Client) AutoSwitch(ctx context.Context) (bool, error) {
	var resp struct {
		Enabled bool `json:"ble_auto_switch"`
	}
	if err := c.doJSON(ctx, http.MethodGet, autoSwitchPath, nil, &resp); err != nil {
		return false, err
	}
	return resp.Enabled, nil
}

// SetAutoSwitch stores the user's auto-switch preference.
func (c *Client) SetAutoSwitch(ctx context.Context, enabled bool) error {
	body := struct {
		Enabled bool `json:"enabled"`
	}{enabled}
	return c.doJSON(ctx, http.MethodPost, autoSwitchPath, body, nil)
}
