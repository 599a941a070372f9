package bus

import (
	"fmt"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIPort is the hardware transport: a Linux spidev port opened through periph.io.
type SPIPort struct {
	name string
	port spi.PortCloser
	conn spi.Conn
}

// OpenSPI initializes the host drivers and connects to the named SPI port,
// for example "/dev/spidev0.0" or "SPI0.0".
func OpenSPI(name string, speedHz int64, mode int) (*SPIPort, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize host drivers: %w", err)
	}

	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", name, err)
	}

	conn, err := port.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode(mode), 8)
	if err != nil {
		return nil, multierr.Combine(
			fmt.Errorf("failed to connect SPI port %s: %w", name, err),
			port.Close(),
		)
	}

	return &SPIPort{name: name, port: port, conn: conn}, nil
}

func (p *SPIPort) Transfer(tx []byte) ([]byte, error) {
	rx := make([]byte, len(tx))
	if err := p.conn.Tx(tx, rx); err != nil {
		return nil, fmt.Errorf("SPI %s: %w", p.name, err)
	}
	return rx, nil
}

func (p *SPIPort) Close() error {
	return p.port.Close()
}
