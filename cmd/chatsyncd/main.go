package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	configFlag := flag.String("config", "", "path to config.toml (default ~/.chatsync/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.Resolve(configPath, session.EnvPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	accountName := *accountFlag
	if accountName == "" {
		accountName = cfg.DefaultAccount
	}
	if accountName == "" {
		accountName = session.DefaultAccountName
	}
	if err := session.ValidateName(accountName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)

	app := fx.New(
		daemon.Module(daemon.Params{AccountName: accountName, Config: cfg}),
		fx.WithLogger(logging.FxLogger),
	)

	app.Run()
}
