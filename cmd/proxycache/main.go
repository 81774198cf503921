package main

import (
	"fmt"
	"os"

	"github.com/neshat73/proxycache/internal/config"
	"github.com/neshat73/proxycache/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		cmdStart(nil)
		return
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "init-config":
		if err := config.InitConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "init-config: %v\n", err)
			os.Exit(1)
		}
	case "keys":
		cmdKeys(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: proxycache [command] [options]

Commands:
  start        Run the proxy (default when no command is given)
  init-config  Generate a default proxycache.toml in the current directory
  keys         Manage backend API keys (set|delete <name>)
  version      Print version information
  help         Show this help message

Options:
  --config <path>  Explicit config file (with 'start')
  --no-store       Disable the SQLite request log (with 'start')`)
}
