// Package sensor reads pH and EC probes that share the pump I2C bus.
package sensor

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dsyorkd/hydro-controller/internal/config"
	apperrors "github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/events"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/protocol"
	"github.com/dsyorkd/hydro-controller/internal/storage"
)

const (
	class     = "sensor"
	fieldLast = "last"
)

// Calibration points accepted by Calibrate
const (
	PointMid   = "mid"
	PointLow   = "low"
	PointHigh  = "high"
	PointDry   = "dry"
	PointClear = "clear"
)

// Sender is the part of the transport manager sensors use
type Sender interface {
	Send(ctx context.Context, address int, cmd protocol.Command) (string, error)
	SendValue(ctx context.Context, address int, cmd protocol.Command, parser protocol.Parser) (protocol.Value, error)
}

// Reading is one probe measurement
type Reading struct {
	SensorID int       `json:"sensor_id"`
	Kind     string    `json:"kind"`
	Value    float64   `json:"value"`
	Raw      string    `json:"raw"`
	At       time.Time `json:"at"`
}

// Option configures a Reader
type Option func(*Reader)

// WithEvents publishes readings
func WithEvents(p events.Publisher) Option {
	return func(r *Reader) {
		r.events = p
	}
}

// Reader talks to the configured probes
type Reader struct {
	sender  Sender
	store   storage.Store
	sensors map[int]config.SensorDevice
	logger  logger.Interface
	events  events.Publisher
	now     func() time.Time
}

// NewReader creates a reader for the configured probes
func NewReader(sender Sender, store storage.Store, devices []config.SensorDevice, log logger.Interface, opts ...Option) *Reader {
	r := &Reader{
		sender:  sender,
		store:   store,
		sensors: make(map[int]config.SensorDevice, len(devices)),
		logger:  log.WithField("component", "sensor"),
		events:  events.Nop{},
		now:     time.Now,
	}
	for _, d := range devices {
		r.sensors[d.ID] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) lookup(id int) (config.SensorDevice, error) {
	d, ok := r.sensors[id]
	if !ok {
		return config.SensorDevice{}, apperrors.NewJobError(apperrors.NotFound, class, id, "no such sensor")
	}
	return d, nil
}

// IDs returns the configured sensor ids in order
func (r *Reader) IDs() []int {
	ids := make([]int, 0, len(r.sensors))
	for id := range r.sensors {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Read takes a measurement and stores it as the sensor's last reading
func (r *Reader) Read(ctx context.Context, id int) (Reading, error) {
	d, err := r.lookup(id)
	if err != nil {
		return Reading{}, err
	}

	v, err := r.sender.SendValue(ctx, d.Address, protocol.Read(), protocol.ParseReading)
	if err != nil {
		return Reading{}, err
	}

	reading := Reading{
		SensorID: id,
		Kind:     d.Kind,
		Value:    v.Number,
		Raw:      v.Raw,
		At:       r.now(),
	}
	if err := r.store.Set(storage.SensorKey(id, fieldLast), reading); err != nil {
		return reading, err
	}
	r.events.Publish(events.TypeSensorReading, class, id, reading)
	r.logger.Debug("Sensor read", "sensor", id, "kind", d.Kind, "value", reading.Value)
	return reading, nil
}

// Last returns the stored reading, if any
func (r *Reader) Last(id int) (Reading, bool, error) {
	if _, err := r.lookup(id); err != nil {
		return Reading{}, false, err
	}
	var reading Reading
	ok, err := r.store.Decode(storage.SensorKey(id, fieldLast), &reading)
	return reading, ok, err
}

// Calibrate sends a calibration point. The clear point takes no value.
func (r *Reader) Calibrate(ctx context.Context, id int, point string, value float64) error {
	d, err := r.lookup(id)
	if err != nil {
		return err
	}

	point = strings.ToLower(point)
	var cmd protocol.Command
	switch point {
	case PointClear:
		cmd = protocol.Command{Verb: protocol.VerbCalibrate, Params: []string{PointClear}}
	case PointMid, PointLow, PointHigh, PointDry:
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return apperrors.NewJobError(apperrors.InvalidTarget, class, id, "calibration value %v is not valid", value)
		}
		cmd = protocol.CalibratePoint(point, value)
	default:
		return apperrors.NewJobError(apperrors.InvalidTarget, class, id, "unknown calibration point %q", point)
	}

	if _, err := r.sender.Send(ctx, d.Address, cmd); err != nil {
		return err
	}
	r.logger.Info("Sensor calibrated", "sensor", id, "point", point, "value", value)
	return nil
}

// Compensate sets the temperature the probe corrects its readings for
func (r *Reader) Compensate(ctx context.Context, id int, celsius float64) error {
	d, err := r.lookup(id)
	if err != nil {
		return err
	}
	if math.IsNaN(celsius) || celsius < -5 || celsius > 100 {
		return apperrors.NewJobError(apperrors.InvalidTarget, class, id, "temperature %.1f C out of range", celsius)
	}

	if _, err := r.sender.Send(ctx, d.Address, protocol.Temperature(celsius)); err != nil {
		return err
	}
	r.logger.Debug("Sensor temperature compensation set", "sensor", id, "celsius", celsius)
	return nil
}
