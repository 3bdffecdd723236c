package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/partyline-chat/partyline/internal/audiodevice"
	"github.com/partyline-chat/partyline/internal/bus"
	"github.com/partyline-chat/partyline/internal/client"
	"github.com/partyline-chat/partyline/internal/config"
	"github.com/partyline-chat/partyline/internal/logutil"
	"github.com/partyline-chat/partyline/internal/metrics"
	"github.com/partyline-chat/partyline/internal/soundboard"
)

func main() {
	configPath := flag.String("configFilePath", "", "Path to the persisted state file. Defaults to the user config directory.")
	logLevel := flag.String("logLevel", "info", "Log level: none, error, warn, info, debug.")
	logFile := flag.String("logFile", "", "Log file path. Empty logs to stdout.")
	nickname := flag.String("nickname", "", "Connect immediately as this nickname.")
	host := flag.String("host", "", "Override the configured server host.")
	port := flag.Int("port", 0, "Override the configured server port.")
	flag.Parse()

	logFilePointer, err := logutil.ConfigureDefaultLogger(*logLevel, *logFile, slog.HandlerOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not configure logger:", err)
		os.Exit(1)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	path := *configPath
	if path == "" {
		path, err = config.DefaultPath()
		if err != nil {
			slog.Error("could not resolve config path", "err", err)
			os.Exit(1)
		}
	}

	store, err := config.NewStore(path, nil)
	if err != nil {
		slog.Error("could not open config store", "path", path, "err", err)
		os.Exit(1)
	}

	board := soundboard.NewBoard(filepath.Join(filepath.Dir(path), "soundboard"), nil)
	meter := metrics.New()
	events := bus.New(nil)
	backend := audiodevice.NewPortAudioBackend(meter, nil)
	defer backend.Close()

	engine := client.New(store, board, backend, events, meter, nil)
	defer engine.Close()

	// --------------------------------------------------------------------------------

	subscription := events.Subscribe()
	go func() {
		for event := range subscription {
			switch ev := event.(type) {
			case bus.ConnectionEvent:
				slog.Info("connection", "state", ev.State, "reason", ev.Reason)
			case bus.RosterEvent:
				slog.Info("roster", "channel", ev.Channel.Name, "users", len(ev.Users))
			case bus.SpeakingEvent:
				slog.Debug("speaking", "user", ev.UserID, "speaking", ev.Speaking)
			case bus.SelfEvent:
				slog.Info("self", "muted", ev.Muted, "deafened", ev.Deafened, "ptt", ev.PTTEnabled, "transmitting", ev.Transmitting)
			case bus.MessageEvent:
				slog.Info("message", "from", ev.ActorName, "text", ev.Message)
			case bus.DevicesEvent:
				slog.Info("devices", "inputs", len(ev.Inputs), "outputs", len(ev.Outputs))
			}
		}
	}()

	if *host != "" || *port != 0 {
		engine.SetServerEndpoint(*host, *port)
	}

	if *nickname != "" {
		snapshot := store.Current()
		badges := snapshot.BadgeProfiles[*nickname]
		if err := engine.Connect(*nickname, badges); err != nil {
			slog.Error("connect rejected", "err", err)
			os.Exit(1)
		}
	}

	// --------------------------------------------------------------------------------

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	<-interrupts

	slog.Info("shutting down")
	engine.Disconnect()
}
