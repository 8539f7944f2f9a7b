package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/mvajha/talon/model"
)

func GetSubmitCmd() *cobra.Command {
	var (
		targetURL   string
		submitterID string
		priority    string
		timeout     int
		metadata    string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a browser automation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.SubmitRequest{
				TargetURL:      targetURL,
				SubmitterID:    submitterID,
				Priority:       model.Priority(priority),
				TimeoutSeconds: timeout,
			}
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &req.Metadata); err != nil {
					return fmt.Errorf("invalid --metadata JSON: %w", err)
				}
			}

			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			resp, err := http.Post(serverAddress+"/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			return printResponse(resp, http.StatusAccepted)
		},
	}

	cmd.Flags().StringVarP(&targetURL, "url", "u", "", "Target page URL (required)")
	cmd.Flags().StringVar(&submitterID, "submitter", "", "Submitter identity (required)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Priority: high, normal or low")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "Execution timeout in seconds")
	cmd.Flags().StringVarP(&metadata, "metadata", "m", "", "Arbitrary metadata as a JSON object")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("submitter")

	return cmd
}

func GetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverAddress + "/jobs/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			return printResponse(resp, http.StatusOK)
		},
	}
}

func GetCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending, queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, serverAddress+"/jobs/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			return printResponse(resp, http.StatusOK)
		},
	}
}

func GetLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Stream a job's logs until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL := strings.Replace(serverAddress, "http", "ws", 1) + "/jobs/" + args[0] + "/logs"
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("stream failed: %s", resp.Status)
				}
				return err
			}
			defer conn.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			go func() {
				<-interrupt
				conn.Close()
			}()

			for {
				var ev model.LogStreamEvent
				if err := conn.ReadJSON(&ev); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return err
				}
				switch ev.Status {
				case "waiting":
					fmt.Fprintln(os.Stderr, "... waiting for logs")
				case "complete":
					fmt.Printf("--- job finished: %s\n", ev.JobStatus)
					return nil
				default:
					if ev.Timestamp != nil {
						fmt.Printf("%s  %s\n", ev.Timestamp.Format("15:04:05.000"), ev.Message)
					} else {
						fmt.Println(ev.Message)
					}
				}
			}
		},
	}
}

// printResponse pretty-prints the JSON body and fails the command on an
// unexpected status.
func printResponse(resp *http.Response, wantStatus int) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Write(body)
	}
	fmt.Println(pretty.String())

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
