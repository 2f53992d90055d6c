package rtc

import (
	"github.com/pion/webrtc/v4"
)

// Channel is the bidirectional application-data path of a negotiated
// session.
type Channel interface {
	Label() string
	Ready() bool
	Send(data []byte) error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(data []byte))
	Close() error
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func newPionChannel(dc *webrtc.DataChannel) *pionChannel {
	return &pionChannel{dc: dc}
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Ready() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *pionChannel) Send(data []byte) error { return c.dc.Send(data) }

func (c *pionChannel) OnOpen(fn func()) { c.dc.OnOpen(fn) }

func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) Close() error { return c.dc.Close() }
