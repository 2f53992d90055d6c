package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PublishOptions declare a local stream and the media tracks attached to
// every publisher-role connection serving it. Tracks may be empty for a
// data-only stream.
type PublishOptions struct {
	StreamID string
	Tracks   []webrtc.TrackLocal
}

// Publish announces the local stream and remembers its tracks; each viewer
// request then gets a publisher connection carrying them.
func (c *Client) Publish(opts PublishOptions) bool {
	c.mu.Lock()
	room := c.room
	if room != nil {
		room.tracks = opts.Tracks
	}
	c.mu.Unlock()
	return c.Announce(AnnounceOptions{StreamID: opts.StreamID})
}

// QuickPublish is connect + join + publish in one call, for callers that
// do not need staged control.
func (c *Client) QuickPublish(ctx context.Context, join JoinOptions, pub PublishOptions) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.JoinRoom(ctx, join); err != nil {
		return err
	}
	c.Publish(pub)
	return nil
}

// QuickView is connect + join + view in one call. The boolean mirrors
// View's "not ready" semantics.
func (c *Client) QuickView(ctx context.Context, join JoinOptions, streamID string) (bool, error) {
	if err := c.Connect(ctx); err != nil {
		return false, err
	}
	if err := c.JoinRoom(ctx, join); err != nil {
		return false, err
	}
	return c.View(ctx, streamID), nil
}

// Canonical-operation aliases. Each is a pure synonym kept at the API
// boundary; none carries its own logic.

// Play is an alias for View.
func (c *Client) Play(ctx context.Context, streamID string) bool { return c.View(ctx, streamID) }

// Watch is an alias for View.
func (c *Client) Watch(ctx context.Context, streamID string) bool { return c.View(ctx, streamID) }

// Broadcast is an alias for Publish.
func (c *Client) Broadcast(opts PublishOptions) bool { return c.Publish(opts) }

// Stream is an alias for Publish.
func (c *Client) Stream(opts PublishOptions) bool { return c.Publish(opts) }
