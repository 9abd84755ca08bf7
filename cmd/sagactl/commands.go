package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/exchange/saga/internal/client"
	"github.com/exchange/saga/pkg/saga"
)

type startCmd struct {
	payload       string
	payloadFile   string
	correlationID string
	tenantID      string
}

func (s *startCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Start a saga of the given type",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&s.payload, "payload", "", "saga payload as inline JSON")
	cmd.Flags().StringVar(&s.payloadFile, "payload-file", "", "read saga payload from file")
	cmd.Flags().StringVar(&s.correlationID, "correlation-id", "", "correlation id (defaults to request id)")
	cmd.Flags().StringVar(&s.tenantID, "tenant-id", "", "tenant id")
	return cmd
}

func (s *startCmd) run(c *cli, cmd *cobra.Command, args []string) error {
	if s.payload != "" && s.payloadFile != "" {
		return errors.New("--payload and --payload-file are mutually exclusive")
	}
	raw := []byte(s.payload)
	if s.payloadFile != "" {
		b, err := os.ReadFile(s.payloadFile)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		raw = b
	}
	if len(raw) > 0 && !json.Valid(raw) {
		return errors.New("payload is not valid JSON")
	}

	out, err := c.dial().Start(cmd.Context(), &client.StartSagaRequest{
		Name:          args[0],
		Payload:       raw,
		CorrelationID: s.correlationID,
		TenantID:      s.tenantID,
	})
	if err != nil {
		return err
	}
	return c.print(out)
}

type getCmd struct{}

func (g *getCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "get SAGA_ID",
		Short: "Show the persisted state of a saga",
		Args:  cobra.ExactArgs(1),
	}
}

func (g *getCmd) run(c *cli, cmd *cobra.Command, args []string) error {
	view, err := c.dial().Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return c.print(view)
}

type listCmd struct {
	status string
}

func (l *listCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas in a status",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&l.status, "status", string(saga.StatusSuspended), "saga status")
	return cmd
}

func (l *listCmd) run(c *cli, cmd *cobra.Command, args []string) error {
	status := saga.Status(strings.ToUpper(l.status))
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", l.status)
	}
	sagas, err := c.dial().List(cmd.Context(), status)
	if err != nil {
		return err
	}
	return c.print(client.ListResponse{Sagas: sagas})
}

type resumeCmd struct{}

func (r *resumeCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "resume SAGA_ID",
		Short: "Continue a suspended or interrupted saga",
		Args:  cobra.ExactArgs(1),
	}
}

func (r *resumeCmd) run(c *cli, cmd *cobra.Command, args []string) error {
	out, err := c.dial().Resume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return c.print(out)
}

type compensateCmd struct{}

func (r *compensateCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "compensate SAGA_ID",
		Short: "Roll back every completed step of a saga",
		Args:  cobra.ExactArgs(1),
	}
}

func (r *compensateCmd) run(c *cli, cmd *cobra.Command, args []string) error {
	out, err := c.dial().Compensate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return c.print(out)
}

type deleteCmd struct{}

func (d *deleteCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "delete SAGA_ID",
		Short: "Delete a finished saga",
		Args:  cobra.ExactArgs(1),
	}
}

func (d *deleteCmd) run(c *cli, cmd *cobra.Command, args []string) error {
	if err := c.dial().Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "deleted %s\n", args[0])
	return err
}
