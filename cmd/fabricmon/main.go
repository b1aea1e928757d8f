// fabricmon is the fabric link monitoring agent and its control CLI.
package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-fabricmon/cmd/fabricmon/cli"
)

func main() {
	var c cli.CLI
	kctx := kong.Parse(&c, cli.KongOptions()...)
	kctx.BindTo(context.Background(), (*context.Context)(nil))
	c.Out = os.Stdout
	kctx.FatalIfErrorf(kctx.Run(&c))
}
