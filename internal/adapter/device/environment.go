package device

import (
	"context"
	"sync"

	"github.com/rl1809/smart-fridge/internal/port"
)

type Thermometer struct {
	mu      sync.Mutex
	celsius float64
	err     error
}

func NewThermometer(celsius float64) *Thermometer {
	return &Thermometer{celsius: celsius}
}

func (t *Thermometer) Set(celsius float64) {
	t.mu.Lock()
	t.celsius = celsius
	t.mu.Unlock()
}

func (t *Thermometer) SetFault(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *Thermometer) Temperature(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.celsius, t.err
}

type Sensors struct {
	mu      sync.Mutex
	reading port.SensorReading
}

func NewSensors(humidity float64) *Sensors {
	return &Sensors{reading: port.SensorReading{Humidity: humidity}}
}

func (s *Sensors) Set(reading port.SensorReading) {
	s.mu.Lock()
	s.reading = reading
	s.mu.Unlock()
}

func (s *Sensors) ReadSensors(ctx context.Context) (port.SensorReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading, nil
}
