// Command usercore はユーザー管理APIとアウトボックスワーカーを起動する。
//
//	usercore [serve|worker|migrate [down N]|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/usercore/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "usercore: %v\n", err)
		os.Exit(1)
	}
}
