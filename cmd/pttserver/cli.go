package main

import (
	"context"
	"fmt"
	"os"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/audit"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/chandesc"
)

// version is stamped at build time via -ldflags; defaults to "dev".
var version = "dev"

// runCLI handles administrative subcommands that don't start the server.
// Returns true if a subcommand was handled.
func runCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("pttserver %s\n", version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "channels":
		return cliChannels(args[1:], dbPath)
	case "audit":
		return cliAudit(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	chStore, err := chandesc.Open(dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening channel database: %v\n", err)
		os.Exit(1)
	}
	defer chStore.Close()

	n, err := chStore.Count(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Channels: %d\n", n)
	fmt.Printf("Version: %s\n", version)
	return true
}

func cliChannels(args []string, dbPath string) bool {
	chStore, err := chandesc.Open(dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening channel database: %v\n", err)
		os.Exit(1)
	}
	defer chStore.Close()

	ctx := context.Background()
	if len(args) == 0 || args[0] == "list" {
		chs, err := chStore.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(chs) == 0 {
			fmt.Println("No channels registered.")
			return true
		}
		for _, ch := range chs {
			fmt.Printf("  %s  %q  capacity=%d\n", ch.ID, ch.DisplayName, ch.Capacity)
		}
		return true
	}

	if args[0] == "create" && len(args) > 2 {
		id, name := args[1], args[2]
		capacity := 50
		if err := chStore.Register(ctx, id, name, capacity); err != nil {
			fmt.Fprintf(os.Stderr, "error creating channel: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registered channel %q (id=%s, capacity=%d)\n", name, id, capacity)
		return true
	}

	if args[0] == "delete" && len(args) > 1 {
		if err := chStore.Deregister(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting channel: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deregistered channel %q\n", args[1])
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: pttserver channels [list|create <id> <name>|delete <id>]\n")
	os.Exit(1)
	return true
}

func cliAudit(args []string, dbPath string) bool {
	auditPath := dbPath
	if len(args) > 0 && args[0] == "count" {
		store, err := audit.Open(auditPath, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening audit database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		n, err := store.Count()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Audited transmissions: %d\n", n)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: pttserver audit count\n")
	os.Exit(1)
	return true
}
