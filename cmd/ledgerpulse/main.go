// Command ledgerpulse runs the job worker, the scheduler and the admin API.
package main

import (
	"github.com/ledgerpulse/ledgerpulse/pkg/cli"
)

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{
		ConfigPath: "",
	}))
}
