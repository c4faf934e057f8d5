// Package rcon maintains the single command/response channel to the game
// server's RCON port.
package rcon

import (
	"errors"
	"fmt"
	"sync"

	gorcon "github.com/gorcon/rcon"
)

var (
	// ErrEmptyCommand is returned before any traffic for an empty command;
	// the server is known to hang on empty input.
	ErrEmptyCommand = errors.New("RconEmptyCommand")

	// ErrNotConnected is returned when no RCON connection is attached yet.
	ErrNotConnected = errors.New("RconNotConnected")
)

// Client is a serialized command channel to one RCON endpoint. At most one
// command is in flight at a time.
type Client struct {
	mu   sync.Mutex
	conn *gorcon.Conn
	addr string
}

// Connect dials and authenticates against the RCON endpoint.
func Connect(addr, password string) (*Client, error) {
	conn, err := gorcon.Dial(addr, password)
	if err != nil {
		return nil, fmt.Errorf("rcon connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, addr: addr}, nil
}

// Addr returns the remote address this client is connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Send executes one command and returns the server's textual response.
func (c *Client) Send(cmd string) (string, error) {
	if cmd == "" {
		return "", ErrEmptyCommand
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", ErrNotConnected
	}

	resp, err := c.conn.Execute(cmd)
	if err != nil {
		return "", fmt.Errorf("rcon execute: %w", err)
	}
	return resp, nil
}

// Close tears down the connection. Subsequent Sends fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
