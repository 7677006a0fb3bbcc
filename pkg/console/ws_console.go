// Auxiliary graphical console: a Console backed by a websocket bridge to
// the system under test. The SUT-side client streams framebuffer updates
// as binary PNG frames and accepts input as small JSON control messages,
// mirroring the teacher's bidirectional {type,data} terminal protocol but
// carrying a screen instead of a tty.
package console

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kinderp/os-autoinst/pkg/imgref"
)

// wsMessage is the wire shape exchanged with the attached client,
// matching the teacher's {type, data} terminal protocol.
type wsMessage struct {
	Type string `json:"type"` // "input" (server->client), "request_screen" (server->client)
	Data string `json:"data,omitempty"`
}

// WSConsole is a websocket-backed auxiliary console: input flows to the
// client as JSON control messages, screen frames flow back as binary PNG
// messages.
type WSConsole struct {
	name string
	log  zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	enabled bool
	frame   *imgref.ImageRef
}

// NewWSConsole builds a named auxiliary console. Call ServeHTTP from an
// http.Handler to accept the backing connection.
func NewWSConsole(name string, log zerolog.Logger) *WSConsole {
	return &WSConsole{name: name, log: log}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades an incoming request to a websocket, adopts it as this
// console's backing connection (replacing any previous one), and starts
// reading frames off it until it closes.
func (c *WSConsole) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Error().Err(err).Str("console", c.name).Msg("websocket upgrade failed")
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
}

// readLoop decodes incoming binary messages as PNG framebuffer frames and
// stores the most recent one for CurrentScreen. It returns once the
// connection errors or closes, clearing it so a stale conn is never reused.
func (c *WSConsole) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			c.log.Warn().Err(err).Str("console", c.name).Msg("decode screen frame")
			continue
		}
		c.mu.Lock()
		c.frame = imgref.New(img)
		c.mu.Unlock()
	}
}

func (c *WSConsole) Name() string { return c.name }

func (c *WSConsole) Select() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
	return nil
}

func (c *WSConsole) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *WSConsole) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.frame = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *WSConsole) Screen() Screen { return c }

// CurrentScreen returns the most recent frame pushed by the client, or nil
// if none has arrived yet.
func (c *WSConsole) CurrentScreen() (*imgref.ImageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame, nil
}

// RequestScreenUpdate asks the attached client to push a fresh frame.
func (c *WSConsole) RequestScreenUpdate() error {
	return c.send(wsMessage{Type: "request_screen"})
}

func (c *WSConsole) SendKey(key string) error {
	return c.send(wsMessage{Type: "input", Data: key})
}

func (c *WSConsole) TypeString(text string) error {
	return c.send(wsMessage{Type: "input", Data: text})
}

func (c *WSConsole) MouseSet(x, y int) error                      { return nil }
func (c *WSConsole) MouseHide(borderOffset int) error             { return nil }
func (c *WSConsole) MouseButton(button string, bstate bool) error { return nil }

func (c *WSConsole) send(msg wsMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("console %s: no attached connection", c.name)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode console message: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
