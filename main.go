package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"wash_articles/bus"
	"wash_articles/formatter"
	"wash_articles/pipeline"
	"wash_articles/server"
	"wash_articles/store"
	"wash_articles/translator"
	"wash_articles/wechat"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config.json")
	addr := flag.String("addr", "", "http listen address (overrides config.server_addr)")
	verbose := flag.Bool("v", false, "enable debug logs")
	flag.Parse()

	_ = godotenv.Load()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	initial, err := store.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	settings := store.NewSettingsStore(initial)
	content := store.NewContentStore()
	history := store.NewPersistentStore(initial.HistoryLimit)
	events := bus.New()

	trans := translator.New(logger.With().Str("component", "translator").Logger())
	trans.UpdateSettings(settings.Get())

	tokens := wechat.NewTokenManager(settings, nil, logger.With().Str("component", "token").Logger())
	retry := &wechat.RetryPolicy{Tokens: tokens, Logger: logger.With().Str("component", "retry").Logger()}
	publisher := wechat.NewClient(nil, logger.With().Str("component", "wechat").Logger())
	format := formatter.New(logger.With().Str("component", "formatter").Logger())

	// Dependent configuration is re-derived in the same call as the
	// mutation: the translator client follows the key, and an external
	// credential change drops the cached token.
	settings.Watch(func(old, updated store.Settings, origin store.Origin) {
		trans.UpdateSettings(updated)
		if origin == store.OriginExternal && store.CredentialsChanged(old, updated) {
			tokens.Invalidate()
		}
	})

	orch := pipeline.New(pipeline.Config{
		Content:    content,
		Settings:   settings,
		Bus:        events,
		History:    history,
		Translator: trans,
		Formatter:  format,
		Publisher:  publisher,
		Retry:      retry,
		Fetcher:    pipeline.NewHTTPImageFetcher(nil),
		Logger:     logger.With().Str("component", "pipeline").Logger(),
	})

	srv, err := server.New(orch, content, settings, events, history, logger.With().Str("component", "http").Logger())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	listen := initial.ServerAddr
	if *addr != "" {
		listen = *addr
	}
	if listen == "" {
		listen = ":8080"
	}

	logger.Info().Str("addr", listen).Msg("starting server")
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := httpServer.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
