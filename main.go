package main

import (
	"context"
	"flag"
	"log"
	"os"

	"camviewer/internal/app"
	"camviewer/internal/config"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("CAMVIEWER_CONFIG"), "設定ファイル (YAML)")
		interactive = flag.Bool("console", false, "HTTPサーバーの代わりに対話型コンソールを起動する")
	)
	flag.Parse()

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	// コンテキストを作成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("起動に失敗しました: %v", err)
	}

	if *interactive {
		err = a.Console(ctx, cancel)
	} else {
		err = a.Serve(ctx)
	}
	cancel()

	if cerr := a.Close(context.Background()); cerr != nil {
		logger.Warn("終了処理でエラーが発生しました", "error", cerr)
	}
	if err != nil {
		logger.Error("異常終了しました", "error", err)
		os.Exit(1)
	}
}
