package cmd

import "github.com/urfave/cli/v2"

// VerboseFlag is a global flag read by every subcommand via buildMachine's
// logLevel helper.
var VerboseFlag = &cli.BoolFlag{Name: "verbose", Usage: "enable debug-level logging"}

// App is the root CLI, grounded on asterisc's rvgo/cmd command layout
// but scoped to this machine's run/step entry points (SPEC_FULL.md §2).
var App = &cli.App{
	Name:  "cartesi-go-machine",
	Usage: "run or step a deterministic, verifiable RV64IMASU machine",
	Flags: []cli.Flag{VerboseFlag},
	Commands: []*cli.Command{
		RunCommand,
		StepCommand,
		WitnessCommand,
	},
}
