package main

import (
	"context"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/senamihodonu/PTRobotics/internal/cli"
)

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("ptprint"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	root := cli.RootCmd(logger)
	root.SetArgs(args[1:])
	return root.ExecuteContext(ctx)
}
