// Package main はcamviewerサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"camviewer/internal/app"
	"camviewer/internal/config"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイル (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		logLevel   = flag.String("log-level", "", "ログレベル (debug, info, warn, error)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("camviewer")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
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

	// サーバーを起動
	logger.Info("camviewer サーバーを起動します", "address", cfg.ServerAddress())
	err = a.Serve(ctx)
	cancel()
	if cerr := a.Close(context.Background()); cerr != nil {
		logger.Warn("終了処理でエラーが発生しました", "error", cerr)
	}
	if err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
