package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pulpo/config"
	"pulpo/credentials"
	"pulpo/errors"
	"pulpo/engine"
	"pulpo/llm"
	"pulpo/store"
	"pulpo/tools"
	"pulpo/tools/mcp"
	"pulpo/tools/platform"
)

func main() {
	agentFlag := flag.String("a", "", "Agent id to run")
	resumeFlag := flag.String("r", "", "Resume a conversation by id")
	attachFlag := flag.String("attach", "", "Comma-separated image URLs or data: URLs to attach")
	jsonFlag := flag.Bool("json", false, "Emit raw events as JSON lines instead of rendered output")
	createAgentFlag := flag.String("create-agent", "", "Create an agent with the given name and exit")
	instructionsFlag := flag.String("instructions", "", "Instructions for -create-agent")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	db, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %+v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if *createAgentFlag != "" {
		createAgent(db, cfg, *createAgentFlag, *instructionsFlag)
		return
	}

	if *agentFlag == "" {
		fmt.Fprintln(os.Stderr, "An agent id is required (-a). Create one with -create-agent first.")
		os.Exit(1)
	}

	ctx := context.Background()
	eng, stopMCP, err := buildEngine(ctx, cfg, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing engine: %+v\n", err)
		os.Exit(1)
	}
	defer stopMCP()

	message := strings.Join(flag.Args(), " ")
	if message == "" {
		fmt.Fprintln(os.Stderr, "A message is required.")
		os.Exit(1)
	}
	var attachments []string
	if *attachFlag != "" {
		attachments = strings.Split(*attachFlag, ",")
	}

	events := eng.Execute(ctx, engine.Request{
		AgentID:        *agentFlag,
		ConversationID: *resumeFlag,
		Message:        message,
		Attachments:    attachments,
	})

	exitCode := 0
	for ev := range events {
		if *jsonFlag {
			line, _ := json.Marshal(ev)
			fmt.Println(string(line))
			if ev.Type == engine.EventError {
				exitCode = 1
			}
			continue
		}
		switch ev.Type {
		case engine.EventAgentLoaded:
			fmt.Fprintf(os.Stderr, "Agent %s loaded (%d tools)\n", ev.AgentName, len(ev.Tools))
		case engine.EventConversationStarted:
			fmt.Fprintf(os.Stderr, "Conversation: %s\n", ev.ConversationID)
		case engine.EventContentDelta:
			fmt.Print(ev.Delta)
		case engine.EventToolUseStart:
			fmt.Fprintf(os.Stderr, "\n[%s ...]\n", ev.ToolName)
		case engine.EventToolUseComplete:
			status := "ok"
			if !ev.Success {
				status = "failed"
			}
			fmt.Fprintf(os.Stderr, "[%s %s]\n", ev.ToolName, status)
		case engine.EventMessageComplete:
			fmt.Println()
		case engine.EventError:
			fmt.Fprintf(os.Stderr, "\nError (%s): %s\n", ev.ErrorKind, ev.ErrorMessage)
			if ev.ErrorHint != "" {
				fmt.Fprintf(os.Stderr, "Check: %s\n", ev.ErrorHint)
			}
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func buildEngine(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) (*engine.Engine, func(), error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	// Credentials only come into play for oauth-backed tools, so a
	// missing passphrase is not fatal until one of those is built.
	var creds *credentials.Manager
	if cfg.EncryptionPassphrase != "" {
		enc, err := credentials.NewEncryptor(cfg.EncryptionPassphrase)
		if err != nil {
			return nil, nil, err
		}
		creds = credentials.NewManager(db, enc, rdb, nil)
	}

	keys := llm.Keys{
		Anthropic:     cfg.Keys.Anthropic,
		OpenAI:        cfg.Keys.OpenAI,
		Google:        cfg.Keys.Google,
		BedrockRegion: cfg.Keys.BedrockRegion,
	}
	factory := &tools.Factory{
		Store: db,
		NewProvider: func(ctx context.Context, provider, model string) (llm.Provider, error) {
			return llm.New(ctx, provider, model, keys)
		},
		NewPlatformTool: func(ctx context.Context, def tools.Definition, integ *tools.Integration) (tools.Tool, error) {
			if creds == nil {
				return nil, errorNoPassphrase(def.Name)
			}
			return platform.NewTool(ctx, def, integ, creds)
		},
		AllowedEndpoints: cfg.AllowedEndpoints,
	}
	if creds != nil {
		factory.Tokens = creds
	}

	var extra []tools.Tool
	var clients []*mcp.Client
	for _, server := range cfg.MCPServers {
		client, err := mcp.NewClient(ctx, server.Name, server.Command, server.Args)
		if err != nil {
			for _, c := range clients {
				c.Stop()
			}
			return nil, nil, err
		}
		clients = append(clients, client)
		for _, tool := range client.Tools() {
			extra = append(extra, tool)
		}
	}
	stop := func() {
		for _, c := range clients {
			c.Stop()
		}
	}

	eng := &engine.Engine{
		Agents:           db,
		Conversations:    db,
		Factory:          factory,
		Keys:             keys,
		MaxIterations:    cfg.MaxIterations,
		FailureThreshold: cfg.ToolFailureThreshold,
		ExtraTools:       extra,
	}
	return eng, stop, nil
}

func errorNoPassphrase(toolName string) error {
	return errors.Configuration("encryption passphrase",
		"tool %q needs stored credentials; set PULPO_ENCRYPTION_PASSPHRASE or encryption_passphrase in config", toolName)
}

func createAgent(db *store.SQLiteStore, cfg *config.Config, name, instructions string) {
	agent := store.Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		Instructions: instructions,
	}
	if agent.Provider == "" {
		agent.Provider = "anthropic"
	}
	if agent.Model == "" {
		agent.Model = "claude-sonnet-4-20250514"
	}
	if err := db.PutAgent(context.Background(), agent); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating agent: %+v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created agent %s (%s)\n", name, agent.ID)
}
