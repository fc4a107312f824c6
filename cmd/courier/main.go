package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/raskyld/courier"
	"github.com/raskyld/courier/pkg/codec"
	"github.com/raskyld/courier/pkg/config"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "courier",
		Short:         "Run and talk to courier nodes",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("COURIER_CONFIG"), "node configuration file")

	root.AddCommand(newServeCmd(), newSendCmd())
	return root
}

// AddRequest is answered by the adder resource with A+B.
type AddRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newSerializer() *codec.JSONSerializer {
	s := codec.NewJSONSerializer()
	codec.RegisterType[AddRequest](s)
	return s
}

// loadConfig reads the configuration file if one was given, defaults
// are used otherwise.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Parse(nil)
	}
	return config.Load(configFile)
}

func newLogHandler(cfg *config.Config) (slog.Handler, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}), nil
}

func newAdder() courier.Resource {
	return courier.NewHandlerFunc("adder", func(env *courier.Envelope) error {
		req, err := courier.Message[AddRequest](env)
		if err != nil {
			return err
		}
		return courier.Reply(env, req.A+req.B)
	})
}

func newEcho() courier.Resource {
	return courier.NewHandlerFunc("echo", func(env *courier.Envelope) error {
		msg, err := courier.Message[string](env)
		if err != nil {
			return err
		}
		return courier.Reply(env, msg)
	})
}
