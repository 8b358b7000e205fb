//go:build !darwin && !windows

package ble

// tinyGoAcknowledgedWrites reports whether the tinygo stack can write with
// response on this platform. On Linux it only exposes write-without-response;
// BlueZAdapter is the acknowledged path there.
const tinyGoAcknowledgedWrites = false

// Write falls back to write-without-response, so the peripheral's
// acknowledgement is lost.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
