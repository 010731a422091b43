// Package app wires the client together: config, storage, the signaling
// channel, the session controller and the local API server. One process is
// one anonymous-chat identity.
package app

import (
	"context"
	"time"

	"anonchat-client/internal/api"
	"anonchat-client/internal/call"
	"anonchat-client/internal/chat"
	"anonchat-client/internal/config"
	"anonchat-client/internal/session"
	"anonchat-client/internal/signaling"
	"anonchat-client/internal/storage"
	"anonchat-client/internal/upload"
	"anonchat-client/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("anonchat/app")

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts everything and blocks until ctx is done. The first dial to the
// signaling backend must succeed; after that the channel reconnects on its
// own.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if cfg.API.Debug {
		_ = logging.SetLogLevelRegex("anonchat/.*", "debug")
	}

	// ── Friend ledger
	db, err := storage.Open(util.ResolvePath(opt.DataDir, cfg.Storage.FriendsDBPath))
	if err != nil {
		return err
	}
	defer db.Close()
	log.Infow("friend ledger open", "path", db.Path())

	// ── Chat store
	store := chat.NewStore(cfg.Chat.DisplayLocale)

	// ── Signaling channel
	channel := signaling.New(cfg.Server.SignalingURL)
	defer channel.Close()

	// ── Session controller
	ctrl := session.NewController(session.Deps{
		Transport: channel,
		Store:     store,
		Ledger:    db,
		Uploader:  upload.NewClient(cfg.Server.BaseURL, cfg.Server.AuthToken),
		Self: session.Profile{
			ID:          cfg.User.ID,
			DisplayName: cfg.User.DisplayName,
			AvatarURL:   cfg.User.AvatarURL,
			Bio:         cfg.User.Bio,
		},
		Media: call.MediaConfig{
			DisableVideo: cfg.Media.DisableVideo,
			DisableAudio: cfg.Media.DisableAudio,
			VideoWidth:   cfg.Media.VideoWidth,
			VideoHeight:  cfg.Media.VideoHeight,
		},
	})
	defer ctrl.Close()

	// ── Config watcher: display locale changes apply without restart.
	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		log.Infow("config reloaded", "locale", next.Chat.DisplayLocale)
		store.SetDisplayLocale(next.Chat.DisplayLocale)
	})
	if err != nil {
		log.Warnw("config watch unavailable", "err", err)
	} else {
		defer watcher.Close()
	}

	// ── Local API
	addr := NormalizeLocalAddr(cfg.API.HTTPAddr)
	srv := api.New(addr, ctrl, store, cfg.API.Debug)
	apiErr := make(chan error, 1)
	go func() { apiErr <- srv.ListenAndServe() }()
	if err := WaitTCP(addr, 5*time.Second); err != nil {
		return err
	}
	log.Infow("local api ready", "url", "http://"+addr)

	// ── Connect to the backend
	if err := channel.Connect(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return err
	}
	log.Infow("signaling connected", "url", cfg.Server.SignalingURL)

	select {
	case err := <-apiErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
