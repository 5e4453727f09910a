// Package main はidcaptureサーバーコマンドの実装です
package main

import (
	"flag"
	"fmt"
	"os"

	"idcapture/internal/bootstrap"
	"idcapture/internal/config"
)

func main() {
	// コマンドラインオプション
	var (
		host    = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port    = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		backend = flag.String("backend", "", "カメラのバックエンド (pion または mock)")
		ua      = flag.String("user-agent", "", "カメラ選択に使うUser-Agent")
		help    = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("idcapture")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// コマンドラインオプションで設定を上書き
	bootstrap.Run(bootstrap.WithConfig(func(cfg *config.Config) {
		if *host != "" {
			cfg.Server.Host = *host
		}
		if *port != 0 {
			cfg.Server.Port = *port
		}
		if *backend != "" {
			cfg.Camera.Backend = *backend
		}
		if *ua != "" {
			cfg.Camera.UserAgent = *ua
		}
	}))
}
