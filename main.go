package main

import (
	"idcapture/internal/bootstrap"
)

func main() {
	// 設定の読み込みからサーバーの起動までをfxに任せる
	bootstrap.Run()
}
