package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kelurahan-dev/jadwal/internal/whatsapp"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

func whatsappCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Inspect and control the WhatsApp session",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "", "admin API base URL (default from web.host and web.port)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the session state of the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(cfg, server)
			if err != nil {
				return err
			}
			data, err := client.call(cmd.Context(), http.MethodGet, "/whatsapp/status", nil)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, data); err != nil {
				return err
			}
			if m, ok := data.(map[string]interface{}); ok {
				if qr, _ := m["qr"].(string); qr != "" {
					renderQR(cmd.OutOrStdout(), qr)
				}
			}
			return nil
		},
	}

	send := &cobra.Command{
		Use:   "send <phone> <message>",
		Short: "Send a text message through the running server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(cfg, server)
			if err != nil {
				return err
			}
			data, err := client.call(cmd.Context(), http.MethodPost, "/whatsapp/send",
				map[string]string{"phone": args[0], "message": args[1]})
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Unlink the device and start a fresh pairing on the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(cfg, server)
			if err != nil {
				return err
			}
			data, err := client.call(cmd.Context(), http.MethodPost, "/whatsapp/reset", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}

	cmd.AddCommand(status, send, reset, pairCmd())
	return cmd
}

func renderQR(w io.Writer, code string) {
	fmt.Fprintln(w, "Scan this QR code with WhatsApp (Linked devices):")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// pairCmd pairs the device from the terminal. It opens the session in this
// process, so the server must not be running at the same time.
func pairCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this deployment with a phone by scanning a QR code in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := bootApp()
			if err != nil {
				return err
			}
			defer application.Release()
			session := application.WhatsApp()
			if session == nil {
				return errors.New("pairing needs whatsapp.transport: multidevice")
			}

			updates := make(chan whatsapp.Status, 16)
			onState := func(st whatsapp.Status) {
				select {
				case updates <- st:
				default:
				}
			}
			bus := application.Bus()
			if err := bus.Subscribe(whatsapp.TopicState, onState); err != nil {
				return err
			}
			defer func() { _ = bus.Unsubscribe(whatsapp.TopicState, onState) }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			application.StartWhatsApp(ctx)

			out := cmd.OutOrStdout()
			lastQR := ""
			for {
				if st := session.Status(); st.Connected {
					fmt.Fprintf(out, "paired as %s\n", st.Identity)
					return nil
				}
				select {
				case st := <-updates:
					if st.QR != "" && st.QR != lastQR {
						lastQR = st.QR
						renderQR(out, st.QR)
					}
					if st.State == whatsapp.StateDisconnectedNeedsAuth {
						return errors.New("pairing stopped, the account refused this device")
					}
				case <-ctx.Done():
					return fmt.Errorf("not paired within %s", timeout)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up when the QR code is not scanned in time")
	return cmd
}
