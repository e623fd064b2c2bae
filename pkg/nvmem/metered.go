package nvmem

import "github.com/float32/persist/pkg/stats"

// MeteredDevice wraps a Device and records every operation into a stats
// collector. It is transparent otherwise, so a persister can run against it
// unchanged while tests and tooling observe the exact operation counts.
type MeteredDevice struct {
	dev       Device
	collector *stats.Collector
}

// NewMeteredDevice wraps dev so all operations are tracked in collector.
func NewMeteredDevice(dev Device, collector *stats.Collector) *MeteredDevice {
	return &MeteredDevice{dev: dev, collector: collector}
}

// Collector returns the collector recording this device's operations.
func (d *MeteredDevice) Collector() *stats.Collector {
	return d.collector
}

// Unwrap returns the underlying device.
func (d *MeteredDevice) Unwrap() Device {
	return d.dev
}

// Geometry returns the fixed region properties.
func (d *MeteredDevice) Geometry() Geometry {
	return d.dev.Geometry()
}

// Read copies len(dst) bytes starting at location into dst.
func (d *MeteredDevice) Read(dst []byte, location uint32) error {
	if err := d.dev.Read(dst, location); err != nil {
		d.collector.TrackError(stats.OpRead)
		return err
	}
	d.collector.TrackOperation(stats.OpRead)
	d.collector.TrackBytes(stats.OpRead, uint64(len(dst)))
	return nil
}

// Writable reports whether size bytes at location can be written now.
func (d *MeteredDevice) Writable(location, size uint32) bool {
	d.collector.TrackOperation(stats.OpWritable)
	return d.dev.Writable(location, size)
}

// Write commits len(src) bytes from src at location.
func (d *MeteredDevice) Write(location uint32, src []byte) error {
	if err := d.dev.Write(location, src); err != nil {
		d.collector.TrackError(stats.OpWrite)
		return err
	}
	d.collector.TrackOperation(stats.OpWrite)
	d.collector.TrackBytes(stats.OpWrite, uint64(len(src)))
	return nil
}

// Erase resets size bytes starting at location to the fill byte.
func (d *MeteredDevice) Erase(location, size uint32) error {
	if err := d.dev.Erase(location, size); err != nil {
		d.collector.TrackError(stats.OpErase)
		return err
	}
	d.collector.TrackOperation(stats.OpErase)
	d.collector.TrackBytes(stats.OpErase, uint64(size))
	return nil
}
