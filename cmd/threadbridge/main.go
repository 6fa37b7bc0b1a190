package main

import (
	"fmt"
	"os"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("threadbridge v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(args[1:])
	case "check":
		handleCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("threadbridge - bridge a chat thread to a local assistant CLI")
	fmt.Println()
	fmt.Println("Usage: threadbridge <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run      Start the bridge and serve the thread until interrupted")
	fmt.Println("  check    Validate config and connectivity, then exit")
	fmt.Println("  version  Print the version")
	fmt.Println("  help     Show this help")
	fmt.Println()
	fmt.Println("Run 'threadbridge <command> --help' for command options.")
}
