package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/appdraft/appdraft/internal/config"
	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/llm/anthropic"
	"github.com/appdraft/appdraft/internal/llm/openai"
	"github.com/appdraft/appdraft/internal/server"
	"github.com/appdraft/appdraft/internal/session"
	"github.com/appdraft/appdraft/internal/snapshot"
	"github.com/appdraft/appdraft/internal/template"
	"github.com/appdraft/appdraft/internal/workspace"
)

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "appdraft.yaml", "path to the config file")
	addr := fs.String("addr", "", "listen address override")
	_ = fs.Parse(args)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	client, err := buildClient(cfg)
	if err != nil {
		fatal("configure llm client: %v", err)
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		fatal("configure runtime: %v", err)
	}
	store, err := buildSnapshots(cfg)
	if err != nil {
		fatal("configure snapshot store: %v", err)
	}
	templates, err := buildTemplates(cfg)
	if err != nil {
		fatal("configure templates: %v", err)
	}

	coordinator, err := session.New(session.Config{
		Client:      client,
		Runtime:     rt,
		Templates:   templates,
		Snapshots:   store,
		Logger:      log,
		Provider:    cfg.Provider.Name,
		Model:       cfg.Provider.Model,
		MaxParallel: cfg.Session.MaxParallel,
		Budget:      cfg.Session.Budget.Std(),
		ExecTimeout: cfg.Session.ExecTimeout.Std(),
	})
	if err != nil {
		fatal("configure session coordinator: %v", err)
	}

	srv := server.New(server.Config{
		Addr:        cfg.ListenAddr,
		Coordinator: coordinator,
		Logger:      log,
	})
	if err := srv.ListenAndServe(); err != nil {
		fatal("server: %v", err)
	}
}

func buildClient(cfg *config.Config) (*llm.Client, error) {
	client := llm.NewClient()
	client.Use(llm.Telemetry())

	registered := false
	if key := cfg.Provider.AnthropicAPIKey; key != "" {
		adapter, err := anthropic.NewFromAPIKey(key, anthropic.Options{DefaultModel: cfg.Provider.Model})
		if err != nil {
			return nil, err
		}
		client.Register(adapter)
		registered = true
	}
	if key := cfg.Provider.OpenAIAPIKey; key != "" {
		adapter, err := openai.NewFromAPIKey(key, openai.Options{DefaultModel: cfg.Provider.Model})
		if err != nil {
			return nil, err
		}
		client.Register(adapter)
		registered = true
	}
	if !registered {
		return nil, fmt.Errorf("no provider credentials configured")
	}
	client.SetDefaultProvider(cfg.Provider.Name)
	return client, nil
}

func buildRuntime(cfg *config.Config) (workspace.Runtime, error) {
	switch cfg.Runtime.Kind {
	case "docker":
		return workspace.NewDockerRuntime(), nil
	case "local":
		rt := workspace.NewLocalRuntime()
		for image, dir := range cfg.Runtime.LocalImages {
			rt.RegisterImage(image, dir)
		}
		return rt, nil
	}
	return nil, fmt.Errorf("unknown runtime kind %q", cfg.Runtime.Kind)
}

func buildSnapshots(cfg *config.Config) (snapshot.Store, error) {
	if cfg.Snapshots.DSN != "" {
		store, err := snapshot.NewSQLiteStore(cfg.Snapshots.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := snapshot.NewFSStore(cfg.Snapshots.Dir)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildTemplates(cfg *config.Config) (*template.Registry, error) {
	reg := template.NewRegistry()
	if prefix := cfg.Runtime.RegistryPrefix; prefix != "" {
		for _, name := range reg.Names() {
			tpl, err := reg.Get(name)
			if err != nil {
				return nil, err
			}
			tpl.Image = prefix + "/" + tpl.Image
		}
	}
	if cfg.DefaultTemplate != "" {
		if err := reg.SetDefault(cfg.DefaultTemplate); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "appdraft: "+format+"\n", args...)
	os.Exit(1)
}
