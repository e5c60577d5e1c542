package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shelfdb/shelfdb/key"
	"github.com/shelfdb/shelfdb/value"
	"github.com/shelfdb/shelfdb/volume"
)

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive REPL against the volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVolume()
			if err != nil {
				return err
			}
			defer v.Close()
			return runShell(v)
		},
	}
}

func runShell(v *volume.Volume) error {
	rl, err := readline.New(color.CyanString("shelfdb> "))
	if err != nil {
		return err
	}
	defer rl.Close()

	color.Green("shelfdb shell — hierarchical key-value store over one physical volume")
	color.Green("Type 'help' for available commands")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "help":
			printShellHelp()
		case "get":
			shellGet(v, parts)
		case "put":
			shellPut(v, parts)
		case "delete":
			shellDelete(v, parts)
		case "stat":
			shellStat(v, parts)
		case "exit", "quit":
			color.Green("Goodbye!")
			return nil
		default:
			color.Red("Unknown command: %s", parts[0])
			printShellHelp()
		}
	}
}

func shellGet(v *volume.Volume, parts []string) {
	if len(parts) != 2 {
		color.Yellow("Usage: get <path>")
		return
	}
	k, err := key.Parse(parts[1])
	if err != nil {
		color.Red("%v", err)
		return
	}
	val, err := v.Get(k)
	if err != nil {
		color.Red("%v", err)
		return
	}
	fmt.Println(formatValue(val))
}

func shellPut(v *volume.Volume, parts []string) {
	if len(parts) < 3 {
		color.Yellow("Usage: put <path> <value>")
		return
	}
	k, err := key.Parse(parts[1])
	if err != nil {
		color.Red("%v", err)
		return
	}
	if err := v.Put(k, value.String(strings.Join(parts[2:], " ")), time.Time{}, true); err != nil {
		color.Red("%v", err)
		return
	}
	color.Green("OK")
}

func shellDelete(v *volume.Volume, parts []string) {
	if len(parts) != 2 {
		color.Yellow("Usage: delete <path>")
		return
	}
	k, err := key.Parse(parts[1])
	if err != nil {
		color.Red("%v", err)
		return
	}
	if err := v.Delete(k, false); err != nil {
		color.Red("%v", err)
		return
	}
	color.Green("OK")
}

func shellStat(v *volume.Volume, parts []string) {
	if len(parts) != 2 {
		color.Yellow("Usage: stat <path>")
		return
	}
	k, err := key.Parse(parts[1])
	if err != nil {
		color.Red("%v", err)
		return
	}
	info, err := v.Stat(k)
	if err != nil {
		color.Red("%v", err)
		return
	}
	fmt.Printf("exists: %t\n", info.Exists)
	if info.Exists {
		fmt.Printf("has_value: %t\nhas_children: %t\n", info.HasValue, info.HasChildren)
		if !info.Expiration.IsZero() {
			fmt.Printf("expires: %s\n", info.Expiration.Format(time.RFC3339))
		}
	}
}

func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  get <path>             - Read a value")
	fmt.Println("  put <path> <value>     - Store a value, creating missing containers")
	fmt.Println("  delete <path>          - Remove a value (fails if it has children)")
	fmt.Println("  stat <path>            - Show existence/value/children/expiration")
	fmt.Println("  help                   - Show this help message")
	fmt.Println("  exit, quit             - Exit the shell")
}
