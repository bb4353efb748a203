// Package usb implements the PTP transport over libusb via gousb. It
// discovers the still-image endpoint triple (bulk-in, bulk-out,
// interrupt-in) and exposes timeout-bounded reads and writes on each.
package usb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/bjacobel/pyptp2/log"
	"github.com/bjacobel/pyptp2/ptp"
)

// Device is an open USB PTP device. It implements ptp.Transport.
type Device struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	bulkIn  *gousb.InEndpoint
	bulkOut *gousb.OutEndpoint
	intrIn  *gousb.InEndpoint

	bulkInDesc  gousb.EndpointDesc
	bulkOutDesc gousb.EndpointDesc
	intrInDesc  gousb.EndpointDesc

	cfgNum, intfNum, altNum int

	Log *log.ChildLogger
}

type endpointTriple struct {
	cfgNum, intfNum, altNum int
	bulkIn, bulkOut, intrIn gousb.EndpointDesc
}

// findEndpoints scans a device descriptor for an interface exposing
// the PTP endpoint triple.
func findEndpoints(desc *gousb.DeviceDesc) *endpointTriple {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if len(alt.Endpoints) != 3 {
					continue
				}

				t := endpointTriple{
					cfgNum:  cfg.Number,
					intfNum: intf.Number,
					altNum:  alt.Alternate,
				}
				var haveIn, haveOut, haveIntr bool
				for _, ep := range alt.Endpoints {
					switch {
					case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeInterrupt:
						t.intrIn = ep
						haveIntr = true
					case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk:
						t.bulkIn = ep
						haveIn = true
					case ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk:
						t.bulkOut = ep
						haveOut = true
					}
				}
				if haveIn && haveOut && haveIntr {
					return &t
				}
			}
		}
	}
	return nil
}

// Open finds PTP cameras on the bus and opens the one whose id
// matches pattern; an empty pattern requires exactly one camera.
func Open(pattern string, lg *log.ChildLogger) (*Device, error) {
	if lg == nil {
		lg = log.NewChildLogger(log.Root, "usb", false)
	}

	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return findEndpoints(desc) != nil
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("usb: enumerating devices: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("usb: no PTP devices found")
	}

	var matched []*gousb.Device
	var ids []string
	for _, dev := range devs {
		id := deviceID(dev)
		if pattern != "" && !strings.Contains(id, pattern) {
			dev.Close()
			continue
		}
		matched = append(matched, dev)
		ids = append(ids, id)
	}
	if len(matched) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("usb: no device matched %q", pattern)
	}
	if len(matched) > 1 {
		for _, dev := range matched {
			dev.Close()
		}
		ctx.Close()
		return nil, fmt.Errorf("usb: ambiguous devices: %s", strings.Join(ids, ", "))
	}

	d := &Device{ctx: ctx, dev: matched[0], Log: lg}
	if err := d.claim(); err != nil {
		d.Close()
		return nil, err
	}
	lg.Infof("opened %s", ids[0])
	return d, nil
}

func deviceID(dev *gousb.Device) string {
	var parts []string
	for _, get := range []func() (string, error){
		dev.Manufacturer, dev.Product, dev.SerialNumber,
	} {
		if s, err := get(); err == nil && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return dev.String()
	}
	return strings.Join(parts, " ")
}

// claim opens the configuration and interface and resolves the three
// endpoints.
func (d *Device) claim() error {
	t := findEndpoints(d.dev.Desc)
	if t == nil {
		return fmt.Errorf("usb: device %s has no PTP endpoint triple", d.dev)
	}
	d.cfgNum, d.intfNum, d.altNum = t.cfgNum, t.intfNum, t.altNum
	d.bulkInDesc, d.bulkOutDesc, d.intrInDesc = t.bulkIn, t.bulkOut, t.intrIn

	if err := d.dev.SetAutoDetach(true); err != nil {
		d.Log.Warningf("SetAutoDetach: %v", err)
	}

	cfg, err := d.dev.Config(d.cfgNum)
	if err != nil {
		return fmt.Errorf("usb: opening configuration %d: %w", d.cfgNum, err)
	}
	intf, err := cfg.Interface(d.intfNum, d.altNum)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("usb: claiming interface %d: %w", d.intfNum, err)
	}

	d.bulkIn, err = intf.InEndpoint(d.bulkInDesc.Number)
	if err == nil {
		d.bulkOut, err = intf.OutEndpoint(d.bulkOutDesc.Number)
	}
	if err == nil {
		d.intrIn, err = intf.InEndpoint(d.intrInDesc.Number)
	}
	if err != nil {
		intf.Close()
		cfg.Close()
		return fmt.Errorf("usb: opening endpoints: %w", err)
	}

	d.cfg = cfg
	d.intf = intf
	return nil
}

// MaxPacketSize is the bulk-in packet size; the PTP layer uses it as
// its receive chunk size.
func (d *Device) MaxPacketSize() int {
	return d.bulkInDesc.MaxPacketSize
}

func (d *Device) inEndpoint(ep ptp.Endpoint) (*gousb.InEndpoint, error) {
	switch ep {
	case ptp.BulkIn:
		return d.bulkIn, nil
	case ptp.InterruptIn:
		return d.intrIn, nil
	}
	return nil, fmt.Errorf("usb: endpoint %d is not readable", ep)
}

// Read reads up to max bytes from an in endpoint. A zero timeout uses
// libusb's default.
func (d *Device) Read(ep ptp.Endpoint, max int, timeout time.Duration) ([]byte, error) {
	in, err := d.inEndpoint(ep)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, max)
	var n int
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n, err = in.ReadContext(ctx, buf)
	} else {
		n, err = in.Read(buf)
	}
	if err != nil {
		return nil, err
	}
	if d.Log.IsDebug() {
		d.Log.Debugf("recv ep 0x%x 0x%x bytes", d.epAddress(ep), n)
	}
	return buf[:n], nil
}

// Write writes data to the bulk-out endpoint. A zero timeout uses
// libusb's default.
func (d *Device) Write(ep ptp.Endpoint, data []byte, timeout time.Duration) (int, error) {
	if ep != ptp.BulkOut {
		return 0, fmt.Errorf("usb: endpoint %d is not writable", ep)
	}

	var n int
	var err error
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n, err = d.bulkOut.WriteContext(ctx, data)
	} else {
		n, err = d.bulkOut.Write(data)
	}
	if err != nil {
		return n, err
	}
	if d.Log.IsDebug() {
		d.Log.Debugf("send ep 0x%x 0x%x bytes", d.epAddress(ep), n)
	}
	return n, nil
}

func (d *Device) epAddress(ep ptp.Endpoint) uint8 {
	switch ep {
	case ptp.BulkIn:
		return uint8(d.bulkInDesc.Address)
	case ptp.BulkOut:
		return uint8(d.bulkOutDesc.Address)
	case ptp.InterruptIn:
		return uint8(d.intrInDesc.Address)
	}
	return 0
}

// ID is the manufacturer + product + serial.
func (d *Device) ID() string {
	return deviceID(d.dev)
}

// Close releases the interface and closes the device and context.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			d.Log.Warningf("closing configuration: %v", err)
		}
		d.cfg = nil
	}
	var err error
	if d.dev != nil {
		err = d.dev.Close()
		d.dev = nil
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
		d.ctx = nil
	}
	return err
}
