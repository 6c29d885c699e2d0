package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagName     string
	flagRoom     string
	flagAudioRTP string
	flagVideoRTP string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Headless meshcall participant",
	Long: `peer joins a meshcall room from the command line, negotiates a direct
connection with every other member and relays chat typed on stdin.

Media is read as RTP from local UDP ports, for example from GStreamer or
ffmpeg. Without a source the participant joins receive-only.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", "ws://localhost:8080/ws", "signaling websocket url")
	pf.StringVar(&flagName, "name", "", "display name shown to other members")
	pf.StringVar(&flagLogLevel, "log-level", "warn", "log level")

	for _, cmd := range []*cobra.Command{createCmd, joinCmd} {
		cmd.Flags().StringVar(&flagRoom, "room", "", "room id")
		cmd.Flags().StringVar(&flagAudioRTP, "audio-rtp", "", "udp address to read opus rtp from")
		cmd.Flags().StringVar(&flagVideoRTP, "video-rtp", "", "udp address to read vp8 rtp from")
	}
	_ = joinCmd.MarkFlagRequired("room")

	rootCmd.AddCommand(createCmd, joinCmd, eventsCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
