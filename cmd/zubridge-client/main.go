// Command zubridge-client connects to a zubridge-host and drives a small
// demo thunk: register, dispatch a few counter actions, complete, print the
// resulting state.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goosewobbler/zubridge-sub002/internal/bridge"
	"github.com/goosewobbler/zubridge-sub002/internal/client"
	"github.com/goosewobbler/zubridge-sub002/internal/core"
	"github.com/goosewobbler/zubridge-sub002/internal/logging"
	"github.com/goosewobbler/zubridge-sub002/internal/transport/ws"
)

func main() {
	var url string
	root := &cobra.Command{
		Use:   "zubridge-client",
		Short: "Connect to a zubridge-host and run a demo thunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(url)
		},
	}
	root.Flags().StringVar(&url, "url", "ws://localhost:8787/ws", "host websocket URL")

	if err := root.Execute(); err != nil {
		color.Red("zubridge-client: %v", err)
		os.Exit(1)
	}
}

func run(url string) error {
	logger := logging.New(logging.Config{Level: "info", Format: "text", Output: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := ws.Dial(ctx, url)
	if err != nil {
		return err
	}
	proc := client.NewClientThunkProcessor(conn, logger)
	defer proc.Close()

	clientID, err := proc.GetClientID(ctx)
	if err != nil {
		return err
	}
	color.Cyan("connected as client %s", clientID)

	if err := proc.Subscribe(ctx, []string{"value"}); err != nil {
		return err
	}
	unsub := proc.OnStateUpdate(func(update bridge.StateUpdate) {
		color.Yellow("state update %s: %s", update.UpdateID, update.State)
	})
	defer unsub()

	thunkID := core.ThunkID("demo-thunk-1")
	err = proc.RunThunk(ctx, thunkID, []string{"value"}, func(dispatch func(core.Action) (bridge.DispatchAck, error)) error {
		for _, actionType := range []string{"increment", "increment", "double"} {
			if _, err := dispatch(core.Action{Type: actionType, Keys: []string{"value"}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	state, err := proc.GetState(ctx)
	if err != nil {
		return err
	}
	var pretty map[string]any
	_ = json.Unmarshal(state, &pretty)
	color.Green("final state: %v", pretty)
	return nil
}
