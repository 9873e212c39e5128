package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-audit/cli/internal/client"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
)

func newSendCmd(a *app) *cobra.Command {
	var (
		e        client.Event
		body     string
		bodyFile string
		notify   bool
		viaHTTP  bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish a single audit event",
		Long: `Publish one audit event on audit.events.<application>, or on
audit.notify.<application> with --notify. With --http the event is posted
to the admin API instead of NATS.

Examples:
  auditctl send --app cartera --user alice --name "Préstamo aprobado" \
      --body '{"datos":{"idUsuario":42}}'
  auditctl send --app iam --user '*' --notify \
      --body '{"notificaFacultad":"Mantenimiento","datos":"Esta noche"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e.ApplicationName = strings.TrimSpace(e.ApplicationName)
			if e.ApplicationName == "" {
				return fmt.Errorf("--app is required")
			}
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				body = string(data)
			}
			if body != "" {
				if err := json.Unmarshal([]byte(body), &e.EventBody); err != nil {
					return fmt.Errorf("--body is not a JSON object: %w", err)
				}
			}
			if e.CorrelationID == "" {
				e.CorrelationID = uuid.NewString()
			}
			e.Timestamp = time.Now().UTC()

			ctx, cancel := a.context(cmd)
			defer cancel()
			p := a.printer(cmd)

			if viaHTTP {
				resp, err := a.client().SendEvent(ctx, e, notify)
				if err != nil {
					return err
				}
				if done, err := p.Format(a.cfg.Output, resp); done || err != nil {
					return err
				}
				p.Success("Event accepted: %s", string(resp))
				return nil
			}

			subject := messaging.AuditEventSubject(e.ApplicationName)
			if notify {
				subject = messaging.AuditNotifySubject(e.ApplicationName)
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}

			bus, err := dialBus(a.cfg)
			if err != nil {
				return err
			}
			defer bus.Drain()
			if err := bus.Publish(ctx, subject, data); err != nil {
				return fmt.Errorf("publish %s: %w", subject, err)
			}
			p.Success("Published %s on %s", e.CorrelationID, subject)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&e.ApplicationName, "app", "", "application name")
	f.StringVar(&e.EventType, "type", "DB_STORE", "event type: FULL_STORE, DB_STORE, FILE_STORE or ERROR_EVENT")
	f.StringVar(&e.Username, "user", "", "username")
	f.StringVar(&e.EventName, "name", "", "event name")
	f.StringVar(&e.CorrelationID, "correlation-id", "", "correlation id (default: random UUID)")
	f.StringVar(&body, "body", "", "event body as a JSON object")
	f.StringVar(&bodyFile, "body-file", "", "read the event body from a file")
	f.BoolVar(&notify, "notify", false, "send on the notification channel")
	f.BoolVar(&viaHTTP, "http", false, "post to the admin API instead of NATS")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
	return cmd
}
