package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモード（期限切れデータの定期削除）で起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandBootstrap はシードファイルから初期管理者を作成することを示す。
	CommandBootstrap Command = "bootstrap"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandWhoami はAPIにサインインしてアカウントの承認状態と権限を表示することを示す。
	CommandWhoami Command = "whoami"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandBootstrap):   CommandBootstrap,
	string(CommandHealthcheck): CommandHealthcheck,
	string(CommandWhoami):      CommandWhoami,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

// bootstrapSeedPath はbootstrapサブコマンドのシードファイルパスを返す。
// 引数で指定されない場合はbootstrap.yamlを使用する。
func bootstrapSeedPath(args []string) string {
	if len(args) >= 2 && args[1] != "" {
		return args[1]
	}
	return "bootstrap.yaml"
}
