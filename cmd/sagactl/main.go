// sagactl 是 saga 服务的运维命令行
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newCLI(os.Stdout).Exec(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
