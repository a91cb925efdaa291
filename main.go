package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"PAccess/logger"
	"PAccess/service/auth"
	"PAccess/service/cachesync"
	"PAccess/service/realtime"
	"PAccess/service/session"
	"PAccess/service/storage"
	safe "PAccess/tools/safe"

	"go.uber.org/zap"
)

// Headless wiring of the console core: credential store -> auth client ->
// session manager -> realtime channel -> cache sync bridge. The UI layer sits
// on top of the same construction.
func main() {
	apiBase := safe.DefaultString(os.Getenv("ACCESS_API_BASE"), "http://127.0.0.1:8080")
	wsURL := safe.DefaultString(os.Getenv("ACCESS_WS_URL"), "ws://127.0.0.1:8080/events")
	credFile := safe.DefaultString(os.Getenv("ACCESS_CREDENTIALS_FILE"), ".access-console/credentials.json")

	var store storage.Store
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rs, err := storage.NewRedisStore(storage.RedisConf{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err != nil {
			logger.Error("redis store init failed, falling back to file", zap.Error(err))
			store = storage.NewFileStore(credFile)
		} else {
			defer func() { _ = rs.Close() }()
			store = rs
		}
	} else {
		store = storage.NewFileStore(credFile)
	}

	authn := auth.NewClient(auth.ClientConf{BaseURL: apiBase})
	mgr := session.NewManager(session.Conf{}, authn, store)
	ch := realtime.NewChannel(realtime.Conf{URL: wsURL}, store)

	topics := cachesync.NewMemoryTopics()
	bridge := cachesync.NewBridge(topics, cachesync.DefaultRules())
	bridge.Attach(ch)

	// Session lifecycle drives the channel: a live channel with no session is
	// never allowed.
	mgr.Subscribe(func(kind session.EventKind, _ session.Session) {
		switch kind {
		case session.EventStarted:
			ch.Start()
		case session.EventEnded:
			ch.Stop()
		}
	})
	ch.SubscribeState(func(s realtime.State) {
		logger.Info("realtime state", zap.Stringer("state", s))
	})

	ctx := context.Background()
	ok, err := mgr.Bootstrap(ctx)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		os.Exit(1)
	}
	if !ok {
		id, secret := os.Getenv("ACCESS_USER"), os.Getenv("ACCESS_SECRET")
		if id == "" {
			logger.Error("no stored session and no ACCESS_USER/ACCESS_SECRET set")
			os.Exit(1)
		}
		if err := mgr.Login(ctx, id, secret); err != nil {
			logger.Error("login failed", zap.Error(err))
			os.Exit(1)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	mgr.Logout(ctx)
	ch.Stop()
	logger.Info("console core shut down")
}
