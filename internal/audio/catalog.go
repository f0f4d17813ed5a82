package audio

// Device is one capture device known to the server. Format and Input are the
// ffmpeg demuxer and input specifier used to open it.
type Device struct {
	Name              string
	Format            string
	Input             string
	Channels          int
	DefaultSampleRate float64
}

// Catalog enumerates the configured capture devices. Device ids are indices
// into the configured list, so an id keeps its meaning even when devices
// without input channels are filtered from the enumeration.
type Catalog struct {
	devices []Device
}

// NewCatalog creates a catalog over devices.
func NewCatalog(devices []Device) *Catalog {
	list := make([]Device, len(devices))
	copy(list, devices)
	return &Catalog{devices: list}
}

// Microphones returns a fresh snapshot of every device with at least one
// input channel.
func (c *Catalog) Microphones() ([]Microphone, error) {
	mics := make([]Microphone, 0, len(c.devices))
	for i, d := range c.devices {
		if d.Channels <= 0 {
			continue
		}
		mics = append(mics, Microphone{
			ID:                i,
			Name:              d.Name,
			ChannelCount:      d.Channels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return mics, nil
}

// Lookup returns the device for id, or a DeviceError when id is out of range
// or the device cannot capture.
func (c *Catalog) Lookup(id int) (Device, error) {
	if id < 0 || id >= len(c.devices) {
		return Device{}, &DeviceError{DeviceID: id, Reason: "device id out of range"}
	}

	d := c.devices[id]
	if d.Channels <= 0 {
		return Device{}, &DeviceError{DeviceID: id, Reason: "device has no input channels"}
	}
	return d, nil
}

// Len returns the number of configured devices, including output-only ones.
func (c *Catalog) Len() int {
	return len(c.devices)
}
