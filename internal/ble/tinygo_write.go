//go:build darwin || windows

package ble

// tinyGoAcknowledgedWrites reports whether the tinygo stack can write with
// response on this platform.
const tinyGoAcknowledgedWrites = true

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
