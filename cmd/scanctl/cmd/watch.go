package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
	ws "github.com/openctemio/scanregistry/internal/infra/websocket"
)

var flagWatchHeartbeats bool

var watchCmd = &cobra.Command{
	Use:   "watch [scan-id]",
	Short: "Stream progress events",
	Long: `Stream progress events over the websocket API.

With a scan ID the command exits once the scan reaches a final state. The
last event of a scan is replayed on subscribe, so watching a finished scan
prints its outcome and returns. Without a scan ID every scan is followed
until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel := ws.AllScansChannel
		if len(args) == 1 {
			channel = ws.ScanChannel(args[0])
		}

		endpoint, err := websocketURL(flagServer)
		if err != nil {
			return err
		}
		header := http.Header{}
		if flagToken != "" {
			header.Set("Authorization", "Bearer "+flagToken)
		}
		if w := verboseWriter(cmd); w != nil {
			fmt.Fprintf(w, ">>> GET %s\n", endpoint)
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), endpoint, header)
		if err != nil {
			if resp != nil {
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)
				return parseAPIError(resp.StatusCode, body)
			}
			return fmt.Errorf("connect: %w", err)
		}
		defer conn.Close()

		stop := context.AfterFunc(cmd.Context(), func() { _ = conn.Close() })
		defer stop()

		sub := ws.NewMessage(ws.MessageTypeSubscribe).WithData(ws.SubscribeRequest{Channel: channel})
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		return followEvents(cmd, conn, len(args) == 1)
	},
}

func followEvents(cmd *cobra.Command, conn *websocket.Conn, untilFinal bool) error {
	out := cmd.OutOrStdout()
	for {
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		switch msg.Type {
		case ws.MessageTypeError:
			var data ws.ErrorData
			_ = json.Unmarshal(msg.Data, &data)
			return fmt.Errorf("server error %s: %s", data.Code, data.Message)
		case ws.MessageTypeSubscribed:
			if w := verboseWriter(cmd); w != nil {
				fmt.Fprintf(w, "<<< subscribed to %s\n", msg.Channel)
			}
			continue
		case ws.MessageTypeEvent:
		default:
			continue
		}

		var ev scansvc.ProgressEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if ev.Type == scansvc.EventHeartbeat && !flagWatchHeartbeats {
			continue
		}
		if err := printEvent(out, ev); err != nil {
			return err
		}

		if untilFinal && isFinalEvent(ev.Type) {
			if ev.Type == scansvc.EventCompleted {
				return nil
			}
			return errors.New("scan " + string(ev.Type))
		}
	}
}

func printEvent(out io.Writer, ev scansvc.ProgressEvent) error {
	switch flagOutput {
	case outputJSON:
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	case outputYAML:
		fmt.Fprintln(out, "---")
		return printYAML(out, ev)
	}

	line := fmt.Sprintf("%s  %-9s  %s  %s  %s",
		ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, shortID(ev.ScanID),
		percent(ev.CompletedScanners, ev.TotalScanners), ev.Message)
	if ev.Error != "" {
		line += "  error: " + ev.Error
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

func isFinalEvent(t scansvc.EventType) bool {
	switch t {
	case scansvc.EventCompleted, scansvc.EventFailed, scansvc.EventCancelled, scansvc.EventTimeout:
		return true
	}
	return false
}

// websocketURL maps the API base URL onto the websocket endpoint.
func websocketURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/ws"
	return u.String(), nil
}

func init() {
	watchCmd.Flags().BoolVar(&flagWatchHeartbeats, "heartbeats", false, "Also print heartbeat events")
	rootCmd.AddCommand(watchCmd)
}
