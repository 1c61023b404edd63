package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
)

const usage = `stepflow executes workflow definitions level by level.

Usage:
  stepflow run [flags] <workflow.json>    execute a workflow and print the result
  stepflow plan [flags] <workflow.json>   show the execution levels of a workflow
  stepflow executions [flags]             list recorded executions
  stepflow serve [flags]                  MCP server, cron schedules and metrics
  stepflow install [flags]                write ~/.stepflow/settings.json
  stepflow version                        print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "version", "-v", "--version":
		printVersion()
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "install":
		exit(cmdInstall(args))
		return
	case "run", "plan", "executions", "serve":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	ctx := context.Background()
	a, err := newApp(ctx, loadConfig(), os.Stderr)
	if err != nil {
		exit(err)
		return
	}
	defer a.Close()

	switch cmd {
	case "run":
		err = cmdRun(ctx, a, args, os.Stdout)
	case "plan":
		err = cmdPlan(ctx, a, args, os.Stdout)
	case "executions":
		err = cmdExecutions(ctx, a, args, os.Stdout)
	case "serve":
		err = cmdServe(ctx, a, args)
	}
	if err != nil {
		a.Close()
	}
	exit(err)
}

func exit(err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case errors.Is(err, errExecutionFailed):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
