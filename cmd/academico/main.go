// Command academico は学校アプリの認証・承認APIサーバーを起動する。
//
// サブコマンド:
//
//	serve        APIサーバー（デフォルト）
//	worker       期限切れデータの定期削除
//	migrate      データベースマイグレーション
//	bootstrap    シードファイルから初期管理者を作成（academico bootstrap [seed.yaml]）
//	healthcheck  /healthの疎通確認（Dockerヘルスチェック用）
//	whoami       APIにサインインして承認状態と権限を表示（ACADEMICO_PASSWORD=... academico whoami <identifier>）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/academico/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "academico: %v\n", err)
		os.Exit(1)
	}
}
