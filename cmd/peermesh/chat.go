package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/peermesh/peermesh/internal/signald"
	"github.com/peermesh/peermesh/pkg/mesh"
)

// newChatCmd joins a room, announces a data-only stream and pipes stdin
// lines to every connected peer.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room and exchange chat lines over data channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := mesh.Options{
				Host:  flagHost,
				Token: flagToken,
			}
			if len(cfg.STUNServers) > 0 {
				opts.RTCConfig = webrtc.Configuration{
					ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
				}
			}
			client := mesh.New(opts)

			client.On(mesh.EventListing, func(ev mesh.Event) {
				log.Info().Str("streamID", ev.StreamID).Str("uuid", ev.UUID).Msg("stream listed")
				go client.View(context.Background(), ev.StreamID)
			})
			client.On(mesh.EventDataReceived, func(ev mesh.Event) {
				fmt.Printf("[%s] %s\n", ev.UUID, ev.Data)
			})
			client.On(mesh.EventPeerConnected, func(ev mesh.Event) {
				log.Info().Str("uuid", ev.UUID).Str("role", string(ev.Role)).Msg("peer connected")
			})
			client.On(mesh.EventPeerDisconnected, func(ev mesh.Event) {
				log.Info().Str("uuid", ev.UUID).Msg("peer disconnected")
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			err := client.Connect(ctx)
			if err != nil {
				cancel()
				return err
			}
			if err := client.JoinRoom(ctx, mesh.JoinOptions{Room: flagRoom, Password: flagPassword}); err != nil {
				cancel()
				return err
			}
			cancel()

			if flagStreamID == "" {
				flagStreamID = "chat-" + client.ID()[:8]
			}
			client.Announce(mesh.AnnounceOptions{StreamID: flagStreamID})
			defer client.Disconnect()

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				if !client.SendData(map[string]string{"message": line}) {
					log.Warn().Msg("no peer reachable")
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&flagStreamID, "stream-id", cfg.StreamID, "stream identity to announce")
	return cmd
}

// newTokenCmd mints a signaling token for servers running with a secret.
func newTokenCmd() *cobra.Command {
	var secret string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signaling auth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := signald.IssueToken(secret, "", ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared HMAC secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}
