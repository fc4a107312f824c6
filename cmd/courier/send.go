package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/raskyld/courier"
	"github.com/spf13/cobra"
)

type sendFlags struct {
	to      string
	node    string
	id      string
	timeout time.Duration
}

func newSendCmd() *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a request to a remote resource and print the reply",
	}
	cmd.PersistentFlags().StringVar(&flags.to, "to", "", "endpoint of the remote node")
	cmd.PersistentFlags().StringVar(&flags.node, "node", "", "name of the remote node, resolved by gossip")
	cmd.PersistentFlags().StringVar(&flags.id, "id", "", "id of the remote resource, its type is used otherwise")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "how long to wait for the reply")
	cmd.MarkFlagsMutuallyExclusive("to", "node")
	cmd.MarkFlagsOneRequired("to", "node")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add A B",
			Short: "Ask an adder for A+B",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				b, err := strconv.Atoi(args[1])
				if err != nil {
					return err
				}
				sum, err := request[int](&flags, "adder", AddRequest{A: a, B: b})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sum)
				return nil
			},
		},
		&cobra.Command{
			Use:   "echo TEXT",
			Short: "Ask an echo resource to repeat TEXT",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				text, err := request[string](&flags, "echo", args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			},
		},
	)
	return cmd
}

// request starts a short-lived node, sends msg to the remote resource and
// waits for a reply of type R.
func request[R, T any](flags *sendFlags, resourceType string, msg T) (R, error) {
	var zero R

	cfg, err := loadConfig()
	if err != nil {
		return zero, err
	}
	handler, err := newLogHandler(cfg)
	if err != nil {
		return zero, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return zero, err
	}
	opts = append(opts,
		courier.WithLog(handler),
		courier.WithSerializer(newSerializer()),
		// the client never needs a well-known port.
		courier.WithListenOn(cfg.Listen.Addr, 0),
	)
	if cfg.Gossip != nil {
		opts = append(opts, courier.WithGossip(cfg.Gossip.Addr, 0))
	}

	node, err := courier.Create(opts...)
	if err != nil {
		return zero, err
	}
	defer node.Shutdown()

	var target *courier.RemoteChannel
	switch {
	case flags.node != "":
		if flags.id == "" {
			return zero, errors.New("--node requires --id")
		}
		if _, err := node.Join(); err != nil {
			return zero, fmt.Errorf("failed to join cluster: %w", err)
		}
		target = node.RemoteOn(flags.node, flags.id, flags.timeout)
	case flags.id != "":
		target = node.Remote(flags.id, flags.to, flags.timeout)
	default:
		target = node.RemoteByType(resourceType, flags.to, flags.timeout)
	}

	f := courier.NewFuture[R](node, target, flags.timeout)
	if err := courier.Send(f, msg); err != nil {
		return zero, err
	}
	res, ok := f.Get()
	if !ok {
		return zero, fmt.Errorf("no reply from %s within %s", target.TargetID(), flags.timeout)
	}
	return res, nil
}
