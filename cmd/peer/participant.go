package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"meshcall/internal/client/negotiation"
	"meshcall/internal/client/signaling"
	"meshcall/internal/core/domain"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/logger"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room and wait for others to join",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRoom == "" {
			flagRoom = utils.GenerateRoomCode()
		}
		return runParticipant(cmd, domain.RoomID(flagRoom), true)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing room",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParticipant(cmd, domain.RoomID(flagRoom), false)
	},
}

func runParticipant(cmd *cobra.Command, roomID domain.RoomID, create bool) error {
	if err := validation.ValidateURL(flagServer); err != nil {
		return fmt.Errorf("--server: %w", err)
	}
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return fmt.Errorf("--room: %w", err)
	}
	if err := validation.ValidateDisplayName(flagName); err != nil {
		return fmt.Errorf("--name: %w", err)
	}

	zapLogger, err := logger.New(flagLogLevel, "console")
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	media := webrtcinfra.NewLocalMedia(webrtcinfra.MediaConfig{
		AudioRTP: flagAudioRTP,
		VideoRTP: flagVideoRTP,
		StreamID: string(roomID),
	}, log.Named("media"))

	factory, err := webrtcinfra.NewFactory(webrtcinfra.Config{}, media, log.Named("webrtc"))
	if err != nil {
		media.Release()
		return err
	}

	client, err := signaling.Dial(ctx, flagServer, signaling.DefaultOptions(), log.Named("signaling"))
	if err != nil {
		media.Release()
		return err
	}

	out := cmd.OutOrStdout()
	orch := negotiation.NewOrchestrator(client, factory, media, consoleHooks(out), log.Named("negotiation"))
	defer orch.Leave()

	if err := orch.Join(ctx, roomID, flagName, create); err != nil {
		return err
	}
	fmt.Fprintf(out, "room %s (type /help for commands)\n", roomID)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- client.Serve(ctx, func(ctx context.Context, env *domain.Envelope) error {
			if env.Type == domain.TypeWelcome {
				var p domain.WelcomePayload
				if err := env.DecodePayload(&p); err == nil && len(p.ICEServers) > 0 {
					factory.SetICEServers(p.ICEServers)
				}
			}
			return orch.Handle(ctx, env)
		})
	}()

	quit := make(chan struct{})
	go readCommands(cmd.InOrStdin(), out, orch, media, factory, quit, log)

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "leaving")
	case <-quit:
		fmt.Fprintln(out, "leaving")
	case <-orch.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("signaling connection lost: %w", err)
		}
		fmt.Fprintln(out, "signaling connection closed")
	}
	return nil
}

func consoleHooks(out io.Writer) negotiation.Hooks {
	return negotiation.Hooks{
		OnChat: func(m domain.ChatMessage) {
			name := m.DisplayName
			if name == "" {
				name = string(m.From)
			}
			fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), name, m.Text)
		},
		OnPresence: func(p domain.Presence) {
			name := p.DisplayName
			if name == "" {
				name = string(p.SessionID)
			}
			fmt.Fprintf(out, "* %s %s\n", name, p.Kind)
		},
		OnRoomEnded: func(roomID domain.RoomID) {
			fmt.Fprintf(out, "* room %s ended\n", roomID)
		},
		OnAdminAction: func(a domain.AdminAction) {
			fmt.Fprintf(out, "* %s by %s (target %s)\n", a.Action, a.From, a.TargetSessionID)
		},
		OnRemoteTrack: func(remote domain.SessionID, t negotiation.RemoteTrack) {
			fmt.Fprintf(out, "* receiving %s (%s) from %s\n", t.Kind, t.Codec, remote)
		},
		OnLinkState: func(remote domain.SessionID, s negotiation.LinkState) {
			fmt.Fprintf(out, "* link to %s %s\n", remote, s)
		},
		OnError: func(message string) {
			fmt.Fprintf(out, "! %s\n", message)
		},
	}
}

// trackStats reports receive counters for the connection to one remote peer.
type trackStats interface {
	Stats(remote domain.SessionID) (map[string]webrtcinfra.TrackStats, bool)
}

func printPeer(out io.Writer, id domain.SessionID, state negotiation.LinkState, stats trackStats) {
	fmt.Fprintf(out, "  %s %s\n", id, state)
	if stats == nil {
		return
	}
	tracks, ok := stats.Stats(id)
	if !ok {
		return
	}
	ids := make([]string, 0, len(tracks))
	for trackID := range tracks {
		ids = append(ids, trackID)
	}
	sort.Strings(ids)
	for _, trackID := range ids {
		s := tracks[trackID]
		fmt.Fprintf(out, "    %s packets=%d bytes=%d lost=%d\n", trackID, s.Packets, s.Bytes, s.Lost)
	}
}

// readCommands sends every stdin line as chat unless it is a slash command.
func readCommands(in io.Reader, out io.Writer, orch *negotiation.Orchestrator, media *webrtcinfra.LocalMedia, stats trackStats, quit chan<- struct{}, log *zap.SugaredLogger) {
	defer close(quit)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/help":
			fmt.Fprintln(out, "/peers /mute /unmute /end /kick <session> /quit")
		case "/peers":
			for _, id := range orch.Peers() {
				printPeer(out, id, orch.LinkState(id), stats)
			}
		case "/mute":
			media.SetMuted(true)
		case "/unmute":
			media.SetMuted(false)
		case "/end":
			err = orch.EndRoom()
		case "/kick":
			if len(fields) < 2 {
				fmt.Fprintln(out, "usage: /kick <session>")
				continue
			}
			err = orch.SendAdminAction("kick", domain.SessionID(fields[1]))
		default:
			err = orch.SendChat(line)
		}

		if err != nil {
			log.Debugw("command failed", "command", fields[0], "error", err)
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}
