package meter

import (
	"chargerd/internal/config"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/grid-x/modbus"
)

const readTimeout = 5 * time.Second

// ModbusMeter reads the accumulated energy register of a TCP modbus energy
// meter. The register pair holds watt-hours; readings are reported in kWh.
type ModbusMeter struct {
	mu       sync.Mutex
	client   modbus.Client
	handler  *modbus.TCPClientHandler
	register uint16
}

func NewModbusMeter(conf *config.Config) *ModbusMeter {
	handler := modbus.NewTCPClientHandler(conf.Meter.Address)
	handler.SlaveID = byte(conf.Meter.SlaveId)
	handler.Timeout = readTimeout
	return &ModbusMeter{
		client:   modbus.NewClient(handler),
		handler:  handler,
		register: uint16(conf.Meter.EnergyRegister),
	}
}

// ReadEnergy implements internal.MeterReader.
func (m *ModbusMeter) ReadEnergy() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.client.ReadHoldingRegisters(m.register, 2)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("short register read: %d bytes", len(data))
	}
	wattHours := binary.BigEndian.Uint32(data)
	return float64(wattHours) / 1000.0, nil
}

func (m *ModbusMeter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler.Close()
}
