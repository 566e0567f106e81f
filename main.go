// gh-mine searches GitHub for repositories and keeps those whose files
// satisfy a set of rules.
package main

import (
	"fmt"
	"os"

	"github.com/jparise/gh-mine/cmd"
)

func main() {
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cmd.ExitCode(err))
}
