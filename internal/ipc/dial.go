package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"github.com/gorilla/websocket"
)

// Conn is the client side of the IPC channel.
type Conn struct {
	ws *websocket.Conn
}

// Dial connects to the daemon listening on socketPath.
func Dial(ctx context.Context, socketPath string) (*Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	ws, _, err := dialer.DialContext(ctx, "ws://localhost/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketPath, err)
	}
	return &Conn{ws: ws}, nil
}

// Receive blocks for the next message and returns its type and raw bytes.
func (c *Conn) Receive() (MessageType, []byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	t, err := ReadHeader(data)
	if err != nil {
		return 0, nil, err
	}
	return t, data, nil
}

func (c *Conn) SetAllOutputs(msg SetAllOutputs) error {
	return c.Send(EncodeSetAllOutputs(msg))
}

func (c *Conn) SetLEDs(cmds []types.LEDCommand) error {
	return c.Send(EncodeSetLEDs(cmds))
}

// Send writes a raw, already encoded message.
func (c *Conn) Send(msg []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
