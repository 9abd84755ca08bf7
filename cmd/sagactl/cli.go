package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/exchange/saga/internal/client"
)

const defaultAddr = "http://localhost:8090"

type cli struct {
	rootCmd *cobra.Command
	out     io.Writer

	addr    string
	timeout time.Duration
	client  *client.SagaClient
}

type command interface {
	registerFlags() *cobra.Command
	run(c *cli, cmd *cobra.Command, args []string) error
}

func newCLI(out io.Writer) *cli {
	c := &cli{out: out}
	c.rootCmd = &cobra.Command{
		Use:           "sagactl",
		Short:         "sagactl inspects and drives sagas on a saga service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.rootCmd.PersistentFlags().StringVar(&c.addr, "addr", envOr("SAGA_ADDR", defaultAddr), "saga service base URL")
	c.rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	c.addCmd(&startCmd{})
	c.addCmd(&getCmd{})
	c.addCmd(&listCmd{})
	c.addCmd(&resumeCmd{})
	c.addCmd(&compensateCmd{})
	c.addCmd(&deleteCmd{})
	return c
}

func (c *cli) Exec(args []string) error {
	c.rootCmd.SetArgs(args)
	c.rootCmd.SetOut(c.out)
	return c.rootCmd.Execute()
}

func (c *cli) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(inner *cobra.Command, args []string) error {
		return cmd.run(c, inner, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

func (c *cli) dial() *client.SagaClient {
	if c.client == nil {
		c.client = client.NewSagaClient(c.addr, c.timeout)
	}
	return c.client
}

func (c *cli) print(v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(raw))
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
