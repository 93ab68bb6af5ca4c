package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const deviceRingBufferSize = 100

// reputationDecay weights history vs. the newest sample in the
// exponentially-weighted reputation update (SPEC_FULL.md Section C.1).
const reputationDecay = 0.9

// Device is a registered IoT data-contributing endpoint.
type Device struct {
	ID          string    `json:"id"`
	Owner       Address   `json:"owner"`
	PublicKey   []byte    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`

	qualityHistory [deviceRingBufferSize]float64
	historyLen     int
	historyHead    int
	Reputation     float64 `json:"reputation"`
}

// DeriveDeviceID derives "DEV_"+first 8 hex chars of SHA-256(public key).
func DeriveDeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "DEV_" + hexEncode(sum[:4])
}

// recordQuality pushes score into the ring buffer and updates Reputation as
// an exponentially-weighted average: rep = decay*rep + (1-decay)*score*100.
func (d *Device) recordQuality(score float64) {
	d.qualityHistory[d.historyHead] = score
	d.historyHead = (d.historyHead + 1) % deviceRingBufferSize
	if d.historyLen < deviceRingBufferSize {
		d.historyLen++
	}
	d.Reputation = reputationDecay*d.Reputation + (1-reputationDecay)*score*100
}

// QualityHistory returns the recorded scores in chronological order.
func (d *Device) QualityHistory() []float64 {
	out := make([]float64, d.historyLen)
	start := d.historyHead - d.historyLen
	for i := 0; i < d.historyLen; i++ {
		idx := (start + i + deviceRingBufferSize) % deviceRingBufferSize
		out[i] = d.qualityHistory[idx]
	}
	return out
}

// DeviceRegistry tracks registered devices and their contribution history.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	log     *logrus.Entry
}

// NewDeviceRegistry constructs an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*Device),
		log:     logrus.WithField("component", "device-registry"),
	}
}

// Register admits a new device keyed by its derived ID. Re-registration of
// an already-known public key is a no-op returning the existing record.
func (r *DeviceRegistry) Register(owner Address, pub ed25519.PublicKey, now time.Time) *Device {
	id := DeriveDeviceID(pub)
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return d
	}
	d := &Device{
		ID:           id,
		Owner:        owner,
		PublicKey:    append([]byte(nil), pub...),
		RegisteredAt: now,
	}
	r.devices[id] = d
	r.log.WithField("device_id", id).Info("device registered")
	return d
}

// RecordContribution updates the named device's quality history. Returns
// ErrNotFound if the device is unregistered.
func (r *DeviceRegistry) RecordContribution(deviceID string, quality float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.recordQuality(quality)
	return nil
}

// Get returns a copy of the device record; the quality ring buffer is a
// fixed-size array, so the copy carries its own copy of it.
func (r *DeviceRegistry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	cp := *d
	return cp, true
}

// List returns every registered device.
func (r *DeviceRegistry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}
