package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wououoo/weddingAlba-sub000/attach"
	"github.com/wououoo/weddingAlba-sub000/auth"
	"github.com/wououoo/weddingAlba-sub000/codec"
	cfgpkg "github.com/wououoo/weddingAlba-sub000/config"
	"github.com/wououoo/weddingAlba-sub000/logger"
	"github.com/wououoo/weddingAlba-sub000/metrics"
	"github.com/wououoo/weddingAlba-sub000/notify"
	"github.com/wououoo/weddingAlba-sub000/rest"
	"github.com/wououoo/weddingAlba-sub000/room"
	"github.com/wououoo/weddingAlba-sub000/transport"
)

func main() {
	_ = godotenv.Load() // load .env if present

	var (
		configPath = flag.String("config", "", "config file path")
		roomID     = flag.String("room", "", "chat room id")
		metricsOn  = flag.String("metrics", "", "metrics listen addr, e.g. :9100")
	)
	flag.Parse()
	if *roomID == "" {
		log.Fatal("usage: chatcli -room <id> [-config <file>] [-metrics :9100]")
	}

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	zl, err := logger.New(logger.Config{Development: cfg.Development, Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	token := os.Getenv("APP_TOKEN")
	cred, err := auth.FromToken(cfg.Auth.JWTSecret, token)
	if err != nil {
		zl.Fatalw("credential parse", "error", err)
	}

	met := metrics.New(prometheus.DefaultRegisterer)
	if *metricsOn != "" {
		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsOn, nil); err != nil {
				zl.Warnw("metrics listener stopped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := transport.NewSession(transport.Config{
		URL:              cfg.Chat.WSURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		JoinPollInterval: cfg.JoinPollInterval,
		JoinPollAttempts: cfg.Chat.JoinPollAttempts,
	}, cred, transport.WebsocketDialer{}, zl, met)

	history := rest.NewClient(rest.Config{
		BaseURL:         cfg.Chat.RESTBaseURL,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
	}, cred, zl)

	ctrl := room.NewController(*roomID, cred, session, history,
		codec.New(zl, met), notify.LogNotifier{Log: zl}, room.Config{
			TypingTTL:        cfg.TypingTTL,
			TypingIdle:       cfg.TypingIdle,
			OptimisticWindow: cfg.OptimisticWindow,
			PageSize:         cfg.Chat.PageSize,
		}, zl, met)

	ctrl.OnUpdate(func() { render(ctrl) })

	if err := ctrl.Activate(ctx); err != nil {
		zl.Fatalw("room activation", "room", *roomID, "error", err)
	}
	defer func() {
		ctrl.Deactivate()
		session.Disconnect()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	zl.Infow("chat session started", "room", *roomID, "user", cred.UserID)
	for {
		select {
		case <-quit:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := handle(ctx, cfg, ctrl, line); err != nil {
				zl.Warnw("command failed", "error", err)
			}
		}
	}
}

func handle(ctx context.Context, cfg *cfgpkg.Config, ctrl *room.Controller, line string) error {
	switch {
	case line == "":
		return nil
	case line == "/more":
		return ctrl.LoadMore(ctx)
	case strings.HasPrefix(line, "/mention "):
		args := strings.TrimPrefix(line, "/mention ")
		target, content, ok := strings.Cut(args, " ")
		if !ok {
			return fmt.Errorf("usage: /mention <user> <text>")
		}
		return ctrl.SendMention(content, target)
	case strings.HasPrefix(line, "/file "):
		path := strings.TrimPrefix(line, "/file ")
		return sendFile(ctx, cfg, ctrl, path)
	default:
		ctrl.StartTyping()
		defer ctrl.StopTyping()
		return ctrl.SendMessage(line)
	}
}

func sendFile(ctx context.Context, cfg *cfgpkg.Config, ctrl *room.Controller, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	provider, err := attach.NewS3Store(ctx, cfg.S3.Region, cfg.S3.Bucket, cfg.S3.PublicRead)
	if err != nil {
		return err
	}
	contentType := mimeByExt(path)
	up, err := provider.Upload(ctx, filepath.Base(path), contentType, data)
	if err != nil {
		return err
	}
	return ctrl.SendFile(up.URL, up.Type)
}

func mimeByExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}

func render(ctrl *room.Controller) {
	msgs := ctrl.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	marker := ""
	if last.Optimistic {
		marker = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s | online=%d typing=%d\n",
		last.Timestamp.Format("15:04:05"), last.SenderName, last.Content, marker,
		len(ctrl.Online()), len(ctrl.Typing()))
}
