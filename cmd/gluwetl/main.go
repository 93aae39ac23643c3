// Command gluwetl manages Bronze ingestion, Silver tables and Glue jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rama83/GluwETL2/cmd/gluwetl/commands"
	"github.com/rama83/GluwETL2/lake/etlerr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gluwetl:", err)
		if etlerr.HasKind(err, etlerr.KindConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
