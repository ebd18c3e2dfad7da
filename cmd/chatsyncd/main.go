package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/habitado/chatsync/internal/app"
	"github.com/habitado/chatsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides CHATSYNC_PROFILE)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	engine := fx.New(
		app.Module(app.Params{ProfileName: name}),
	)

	engine.Run()
}
