package main

import (
	"context"

	"github.com/pkg/errors"
)

func main() {
	app := mustBootstrapAPI()
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		app.log.Error(app.ctx, "fulfillment-api stopped", err)
		panic(err)
	}
}
