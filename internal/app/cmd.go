package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はディスパッチャーとクリーンアップを動かすワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	// "migrate down [N]" でN件（既定1件）ロールバックする。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Invocation は解析済みのコマンドライン。
type Invocation struct {
	Command Command
	// RollbackSteps はmigrate downで戻す件数。0の場合は最新まで適用する。
	RollbackSteps int
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
// migrateの引数が不正な場合のみエラーを返す。
func ParseCommand(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{Command: CommandServe}, nil
	}

	switch args[0] {
	case "worker":
		return Invocation{Command: CommandWorker}, nil
	case "serve":
		return Invocation{Command: CommandServe}, nil
	case "migrate":
		return parseMigrate(args[1:])
	case "healthcheck":
		return Invocation{Command: CommandHealthcheck}, nil
	default:
		return Invocation{Command: CommandServe}, nil
	}
}

func parseMigrate(args []string) (Invocation, error) {
	inv := Invocation{Command: CommandMigrate}
	if len(args) == 0 || args[0] == "up" {
		return inv, nil
	}
	if args[0] != "down" {
		return inv, fmt.Errorf("unknown migrate direction: %q", args[0])
	}

	inv.RollbackSteps = 1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return inv, fmt.Errorf("invalid rollback steps: %q", args[1])
		}
		inv.RollbackSteps = n
	}
	return inv, nil
}
