package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/asheshgoplani/threadbridge/internal/chat"
	"github.com/asheshgoplani/threadbridge/internal/config"
)

// handleCheck validates config, server connectivity and the assistant
// binary without starting the bridge or posting anything.
func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path (default ~/.threadbridge/config.toml)")

	fs.Usage = func() {
		fmt.Println("Usage: threadbridge check [options]")
		fmt.Println()
		fmt.Println("Validates the config file, resolves the team and channel against")
		fmt.Println("the server, and verifies the assistant binary is on PATH.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("config", err)
	}
	if err := cfg.Validate(); err != nil {
		fail("config", err)
	}
	ok("config valid")

	if _, err := exec.LookPath(cfg.Assistant.Command); err != nil {
		fail("assistant", fmt.Errorf("%s not found on PATH", cfg.Assistant.Command))
	}
	ok(fmt.Sprintf("assistant binary found: %s", cfg.Assistant.Command))

	client, err := chat.NewClient(cfg.ServerURL, cfg.Token, chat.Options{})
	if err != nil {
		fail("server", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	me, err := client.Me(ctx)
	if err != nil {
		fail("server", err)
	}
	ok(fmt.Sprintf("authenticated as %s", me.Username))

	teamID, err := client.ResolveTeam(ctx, cfg.Team)
	if err != nil {
		fail("team", err)
	}
	ok(fmt.Sprintf("team %q resolved (%s)", cfg.Team, teamID))

	channelID, err := client.ResolveChannel(ctx, teamID, cfg.Channel)
	if err != nil {
		fail("channel", err)
	}
	ok(fmt.Sprintf("channel %q resolved (%s)", cfg.Channel, channelID))

	fmt.Println("\nAll checks passed.")
}

func ok(msg string) {
	fmt.Printf("  ok: %s\n", msg)
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "  FAIL (%s): %v\n", what, err)
	os.Exit(1)
}
