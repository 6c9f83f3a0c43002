package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/aiqinxuancai/clawdbot/pkg/agent"
	"github.com/aiqinxuancai/clawdbot/pkg/bus"
	"github.com/aiqinxuancai/clawdbot/pkg/channels"
	"github.com/aiqinxuancai/clawdbot/pkg/config"
	"github.com/aiqinxuancai/clawdbot/pkg/logger"
	"github.com/aiqinxuancai/clawdbot/pkg/pairing"
	"github.com/aiqinxuancai/clawdbot/pkg/session"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "onboard":
		onboard()
	case "agent":
		agentCmd()
	case "gateway":
		gatewayCmd()
	case "pair":
		pairCmd()
	case "status":
		statusCmd()
	case "version", "--version", "-v":
		fmt.Printf("clawdbot v%s\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("clawdbot - OneBot chat bridge v%s\n\n", version)
	fmt.Println("Usage: clawdbot <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Write a default configuration")
	fmt.Println("  agent       Talk to the agent directly")
	fmt.Println("  gateway     Start the OneBot gateway")
	fmt.Println("  pair        List or approve pairing requests")
	fmt.Println("  status      Show configuration status")
	fmt.Println("  version     Show version information")
}

func onboard() {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	os.MkdirAll(cfg.WorkspacePath(), 0755)

	fmt.Println("clawdbot is ready!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set channels.onebot.defaults.ws_url in", configPath)
	fmt.Println("  2. Add your provider key under providers.openai")
	fmt.Println("  3. Run: clawdbot gateway")
}

func agentCmd() {
	message := ""
	sessionKey := "cli:default"

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--debug", "-d":
			logger.SetLevel("debug")
		case "-m", "--message":
			if i+1 < len(args) {
				message = args[i+1]
				i++
			}
		case "-s", "--session":
			if i+1 < len(args) {
				sessionKey = args[i+1]
				i++
			}
		}
	}

	cfg, sessions, pairingStore := mustOpenStores()
	defer sessions.Close()
	defer pairingStore.Close()

	msgBus := bus.NewMessageBus()
	loop := agent.NewLoop(cfg, msgBus, sessions, pairingStore)

	if message != "" {
		response, err := loop.ProcessDirect(context.Background(), message, sessionKey)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n%s\n", response)
		return
	}

	fmt.Println("Interactive mode (Ctrl+C to exit)")
	interactiveMode(loop, sessionKey)
}

func interactiveMode(loop *agent.Loop, sessionKey string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".clawdbot_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		simpleInteractiveMode(loop, sessionKey)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		response, err := loop.ProcessDirect(context.Background(), input, sessionKey)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", response)
	}
}

func simpleInteractiveMode(loop *agent.Loop, sessionKey string) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("You: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		response, err := loop.ProcessDirect(context.Background(), input, sessionKey)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", response)
	}
}

func gatewayCmd() {
	cfg, sessions, pairingStore := mustOpenStores()
	defer sessions.Close()
	defer pairingStore.Close()

	logger.SetLevel(cfg.LogLevel)
	for _, arg := range os.Args[2:] {
		if arg == "--debug" || arg == "-d" {
			logger.SetLevel("debug")
			break
		}
	}

	msgBus := bus.NewMessageBus()
	loop := agent.NewLoop(cfg, msgBus, sessions, pairingStore)
	manager := channels.NewManager(cfg, msgBus, sessions, pairingStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
	}
	go loop.Run(ctx)

	fmt.Println("Gateway started. Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	manager.StopAll()
	fmt.Println("Gateway stopped")
}

func pairCmd() {
	_, sessions, pairingStore := mustOpenStores()
	defer sessions.Close()
	defer pairingStore.Close()

	args := os.Args[2:]
	if len(args) >= 2 && args[0] == "approve" {
		if err := pairingStore.Approve("onebot", args[1]); err != nil {
			fmt.Printf("Approve failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Pairing approved.")
		return
	}

	pending, err := pairingStore.ListPending("onebot")
	if err != nil {
		fmt.Printf("Error listing pairing requests: %v\n", err)
		os.Exit(1)
	}
	if len(pending) == 0 {
		fmt.Println("No pending pairing requests.")
		return
	}
	fmt.Println("Pending pairing requests:")
	for _, req := range pending {
		fmt.Printf("  %s  sender=%s  since=%s\n",
			req.Code, req.Sender, req.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Println("\nApprove with: clawdbot pair approve <code>")
}

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	configPath := getConfigPath()
	fmt.Println("clawdbot Status")
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "found")
	} else {
		fmt.Println("Config:", configPath, "missing")
	}

	fmt.Printf("Model: %s\n", cfg.Agents.Defaults.Model)
	if cfg.Providers.OpenAI.APIKey != "" {
		fmt.Println("OpenAI API: set")
	} else {
		fmt.Println("OpenAI API: not set")
	}

	accounts := cfg.AccountIDs()
	if len(accounts) == 0 {
		fmt.Println("OneBot accounts: none configured")
		return
	}
	for _, id := range accounts {
		account := cfg.ResolveAccount(id)
		state := "disabled"
		if account.Enabled && account.Configured() {
			state = "enabled"
		}
		fmt.Printf("OneBot account %s: %s (dm_policy=%s group_policy=%s)\n",
			id, state, account.DMPolicy, account.GroupPolicy)
	}
}

func mustOpenStores() (*config.Config, *session.Store, *pairing.Store) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	dataDir := filepath.Join(filepath.Dir(getConfigPath()), "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		fmt.Printf("Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	sessions, err := session.NewStore(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}
	pairingStore, err := pairing.NewStore(filepath.Join(dataDir, "pairing.db"))
	if err != nil {
		fmt.Printf("Error opening pairing store: %v\n", err)
		sessions.Close()
		os.Exit(1)
	}
	return cfg, sessions, pairingStore
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clawdbot", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}
