package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/amigochat/amigo/internal/config"
	"github.com/amigochat/amigo/internal/daemon"
	"github.com/amigochat/amigo/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	// Secrets and endpoint overrides may live in a local .env.
	_ = godotenv.Load()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
	)

	app.Run()
}
