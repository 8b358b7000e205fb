package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// BlueZ DBus names.
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService  = "org.bluez.GattService1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

const (
	bluezPollInterval    = 500 * time.Millisecond
	bluezResolvedTimeout = 15 * time.Second
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZAdapter talks to BlueZ directly over the system bus. It exists for
// Linux hosts where the bridge runs headless next to other BlueZ clients and
// needs to pick a specific controller (hci0, hci1...). Device ids are MAC
// addresses.
type BlueZAdapter struct {
	name string
	conn *dbus.Conn

	mu       sync.Mutex
	handlers map[dbus.ObjectPath]func(iface string, changed map[string]dbus.Variant)
}

// NewBlueZAdapter returns an adapter bound to the named controller.
// An empty name selects hci0.
func NewBlueZAdapter(name string) *BlueZAdapter {
	if name == "" {
		name = "hci0"
	}
	return &BlueZAdapter{
		name:     name,
		handlers: make(map[dbus.ObjectPath]func(string, map[string]dbus.Variant)),
	}
}

func (a *BlueZAdapter) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + a.name)
}

func (a *BlueZAdapter) Enable() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect to system bus: %w", err)
	}
	a.conn = conn

	powered, err := getDBusProperty[bool](conn, a.adapterPath(), bluezAdapter1, "Powered")
	if err != nil {
		return fmt.Errorf("ble: adapter %s unavailable: %w", a.name, err)
	}
	if !powered {
		slog.Info("[BLE] powering on adapter", "adapter", a.name)
		obj := conn.Object(bluezBus, a.adapterPath())
		if err := obj.SetProperty(bluezAdapter1+".Powered", dbus.MakeVariant(true)); err != nil {
			return fmt.Errorf("ble: power on %s: %w", a.name, err)
		}
	}

	matchRule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'",
		bluezBus, dbusProperties, a.adapterPath(),
	)
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return fmt.Errorf("ble: add signal match: %w", call.Err)
	}

	sigCh := make(chan *dbus.Signal, 64)
	conn.Signal(sigCh)
	go a.dispatch(sigCh)
	return nil
}

// dispatch routes PropertiesChanged signals to the handler registered for
// the emitting object path.
func (a *BlueZAdapter) dispatch(sigCh <-chan *dbus.Signal) {
	for sig := range sigCh {
		if sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
			continue
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		a.mu.Lock()
		h := a.handlers[sig.Path]
		a.mu.Unlock()
		if h != nil {
			h(iface, changed)
		}
	}
}

func (a *BlueZAdapter) handle(path dbus.ObjectPath, h func(string, map[string]dbus.Variant)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h == nil {
		delete(a.handlers, path)
		return
	}
	a.handlers[path] = h
}

// dropHandlers removes every handler at or below prefix.
func (a *BlueZAdapter) dropHandlers(prefix dbus.ObjectPath) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := range a.handlers {
		if p == prefix || strings.HasPrefix(string(p), string(prefix)+"/") {
			delete(a.handlers, p)
		}
	}
}

func (a *BlueZAdapter) managedObjects() (managedObjects, error) {
	var objects managedObjects
	call := a.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: parse managed objects: %w", err)
	}
	return objects, nil
}

// Scan runs BlueZ discovery and polls the object tree for advertising
// devices until ctx is cancelled.
func (a *BlueZAdapter) Scan(ctx context.Context, filter ScanFilter, onResult func(ScanResult)) error {
	if a.conn == nil {
		return fmt.Errorf("ble: adapter %s not enabled", a.name)
	}
	adapter := a.conn.Object(bluezBus, a.adapterPath())

	df := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if filter.NamePrefix != "" {
		df["Pattern"] = dbus.MakeVariant(filter.NamePrefix)
	}
	if call := adapter.Call(bluezAdapter1+".SetDiscoveryFilter", 0, df); call.Err != nil {
		return fmt.Errorf("ble: set discovery filter: %w", call.Err)
	}
	if call := adapter.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("ble: start discovery: %w", call.Err)
	}
	defer adapter.Call(bluezAdapter1+".StopDiscovery", 0)

	prefix := string(a.adapterPath()) + "/"
	ticker := time.NewTicker(bluezPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		objects, err := a.managedObjects()
		if err != nil {
			return err
		}
		for path, ifaces := range objects {
			props, ok := ifaces[bluezDevice1]
			if !ok || !strings.HasPrefix(string(path), prefix) {
				continue
			}
			// RSSI is only present while the device is being heard.
			rssi, ok := props["RSSI"].Value().(int16)
			if !ok {
				continue
			}
			addr, _ := props["Address"].Value().(string)
			name, _ := props["Name"].Value().(string)
			r := ScanResult{DeviceID: addr, Name: name, RSSI: int(rssi)}
			if addr == "" || !filter.Match(r) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			onResult(r)
		}
	}
}

func (a *BlueZAdapter) Connect(ctx context.Context, deviceID string) (Connection, error) {
	if a.conn == nil {
		return nil, fmt.Errorf("ble: adapter %s not enabled", a.name)
	}
	path := adapterDevicePath(a.name, deviceID)
	device := a.conn.Object(bluezBus, path)

	if call := device.CallWithContext(ctx, bluezDevice1+".Connect", 0); call.Err != nil {
		return nil, fmt.Errorf("ble: BlueZ connect %s: %w", deviceID, call.Err)
	}

	if err := a.waitServicesResolved(ctx, path); err != nil {
		device.Call(bluezDevice1+".Disconnect", 0)
		return nil, err
	}

	conn := &bluezConnection{adapter: a, path: path}
	a.handle(path, func(iface string, changed map[string]dbus.Variant) {
		if iface != bluezDevice1 {
			return
		}
		if v, ok := changed["Connected"]; ok {
			if connected, _ := v.Value().(bool); !connected {
				a.dropHandlers(path)
				conn.fireDisconnect()
			}
		}
	})
	return conn, nil
}

func (a *BlueZAdapter) waitServicesResolved(ctx context.Context, path dbus.ObjectPath) error {
	deadline := time.After(bluezResolvedTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("ble: service discovery timed out after %s", bluezResolvedTimeout)
		case <-ticker.C:
			resolved, err := getDBusProperty[bool](a.conn, path, bluezDevice1, "ServicesResolved")
			if err == nil && resolved {
				return nil
			}
		}
	}
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)

type bluezConnection struct {
	adapter *BlueZAdapter
	path    dbus.ObjectPath

	mu           sync.Mutex
	disconnectCb func()
	fired        bool
	firstChar    dbus.ObjectPath
}

func (c *bluezConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	objects, err := c.adapter.managedObjects()
	if err != nil {
		return nil, err
	}

	devicePrefix := string(c.path) + "/"
	var svcPath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService]
		if !ok || !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		if uuid, _ := props["UUID"].Value().(string); strings.EqualFold(uuid, serviceUUID) {
			svcPath = path
			break
		}
	}
	if svcPath == "" {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	svcPrefix := string(svcPath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), svcPrefix) {
			continue
		}
		if uuid, _ := props["UUID"].Value().(string); strings.EqualFold(uuid, charUUID) {
			c.mu.Lock()
			if c.firstChar == "" {
				c.firstChar = path
			}
			c.mu.Unlock()
			return &bluezCharacteristic{adapter: c.adapter, path: path}, nil
		}
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
}

// MTU reads the negotiated ATT MTU. Newer BlueZ exposes it per
// characteristic, older releases on the device.
func (c *bluezConnection) MTU() (int, error) {
	c.mu.Lock()
	char := c.firstChar
	c.mu.Unlock()
	if char != "" {
		if mtu, err := getDBusProperty[uint16](c.adapter.conn, char, bluezGattChar, "MTU"); err == nil {
			return int(mtu), nil
		}
	}
	mtu, err := getDBusProperty[uint16](c.adapter.conn, c.path, bluezDevice1, "MTU")
	if err != nil {
		return 0, fmt.Errorf("ble: read MTU: %w", err)
	}
	return int(mtu), nil
}

func (c *bluezConnection) Disconnect() error {
	c.adapter.dropHandlers(c.path)
	call := c.adapter.conn.Object(bluezBus, c.path).Call(bluezDevice1+".Disconnect", 0)
	return call.Err
}

func (c *bluezConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *bluezConnection) fireDisconnect() {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return
	}
	c.fired = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type bluezCharacteristic struct {
	adapter *BlueZAdapter
	path    dbus.ObjectPath
}

func (c *bluezCharacteristic) write(data []byte, kind string) error {
	obj := c.adapter.conn.Object(bluezBus, c.path)
	call := obj.Call(bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
		"type": dbus.MakeVariant(kind),
	})
	return call.Err
}

func (c *bluezCharacteristic) Write(data []byte) error {
	return c.write(data, "request")
}

func (c *bluezCharacteristic) WriteWithoutResponse(data []byte) error {
	return c.write(data, "command")
}

func (c *bluezCharacteristic) Subscribe(cb func([]byte)) error {
	c.adapter.handle(c.path, func(iface string, changed map[string]dbus.Variant) {
		if iface != bluezGattChar {
			return
		}
		if v, ok := changed["Value"]; ok {
			if data, ok := v.Value().([]byte); ok {
				cb(data)
			}
		}
	})
	if call := c.adapter.conn.Object(bluezBus, c.path).Call(bluezGattChar+".StartNotify", 0); call.Err != nil {
		c.adapter.handle(c.path, nil)
		return fmt.Errorf("ble: StartNotify: %w", call.Err)
	}
	return nil
}

// adapterDevicePath converts a MAC address to a BlueZ object path.
// Example: "AA:BB:CC:DD:EE:FF" on hci0 is /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func adapterDevicePath(adapter, address string) dbus.ObjectPath {
	devAddr := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, devAddr))
}

// getDBusProperty reads a property from a BlueZ object.
func getDBusProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
