// ABOUTME: Serial port discovery by USB product string and port opening
// ABOUTME: Wraps go.bug.st/serial with overridable hooks for tests

package device

import (
	"fmt"
	"io"
	"log/slog"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/FayCarsons/pidgeon/internal/config"
)

// Identity is the USB product string the crow reports.
const Identity = "crow: telephone line"

// DefaultBaudRate is the crow's serial speed.
const DefaultBaudRate = 115200

// Overridden in tests.
var (
	listPorts = enumerator.GetDetailedPortsList
	openPort  = func(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		return serial.Open(name, mode)
	}
)

// PortInfo describes one attached serial port.
type PortInfo struct {
	Name         string
	Product      string
	VID          string
	PID          string
	SerialNumber string
	IsUSB        bool
}

// Ports lists attached serial ports.
func Ports() ([]PortInfo, error) {
	details, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerating serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			Product:      d.Product,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			IsUSB:        d.IsUSB,
		})
	}
	return ports, nil
}

// Discover returns the name of the first port whose USB product string is
// identity.
func Discover(identity string) (string, error) {
	ports, err := Ports()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsUSB && p.Product == identity {
			return p.Name, nil
		}
	}
	return "", ErrNotFound
}

// Open finds and opens the device described by cfg. An explicit cfg.Port
// skips discovery.
func Open(cfg config.DeviceConfig, logger *slog.Logger) (*Link, error) {
	name := cfg.Port
	if name == "" {
		identity := cfg.Identity
		if identity == "" {
			identity = Identity
		}
		found, err := Discover(identity)
		if err != nil {
			return nil, err
		}
		name = found
	}

	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := openPort(name, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	logger.Info("device connected", "port", name, "baud", baud)
	return NewLink(port,
		WithName(name),
		WithLogger(logger),
		WithDelimitThreshold(cfg.DelimitThreshold),
		WithMaxLineLength(cfg.MaxLineLength),
	), nil
}
