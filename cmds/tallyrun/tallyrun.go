package tallyrun

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Register the tally execution driver. It talks to a running backend over
// HTTP and walks an execution through its step sequence, waiting out
// quorum gaps, so an operator does not have to post each step by hand.
func Register(rootCmd *cobra.Command) {
	var baseURL string
	var tenantID string
	var eventID string
	var executionID string
	var pollInterval time.Duration

	var cmd = &cobra.Command{
		Use:   "tallyrun",
		Short: "Drive a Tally Execution",
		Long:  "Execute every step of a tally execution in order, retrying combine steps until the trustee quorum is met",
		Run: func(cmd *cobra.Command, args []string) {
			c := &client{
				http: &http.Client{Timeout: 30 * time.Second},
				base: fmt.Sprintf("%s/v1/%s/%s", baseURL, tenantID, eventID),
			}
			exec, err := c.getExecution(executionID)
			if err != nil {
				log.Fatal().Err(err).Str("execution", executionID).Msg("Cannot load execution")
			}
			total := int64(len(exec.SubSessions) * 2)
			if exec.Status == "completed" {
				log.Info().Str("execution", executionID).Msg("Execution already completed")
				return
			}
			if exec.Status == "failed" {
				log.Fatal().Str("reason", exec.FailureReason).Msg("Execution has failed")
			}
			log.Info().
				Int("subSessions", len(exec.SubSessions)).
				Int64("resumeAt", exec.CurrentMessageID+1).
				Msg("Driving execution")

			bar := pb.Start64(total)
			bar.SetCurrent(exec.CurrentMessageID)
			for id := exec.CurrentMessageID + 1; id <= total; id++ {
				for {
					status, body, err := c.executeStep(executionID, id)
					if err != nil {
						log.Fatal().Err(err).Int64("step", id).Msg("Step request failed")
					}
					if status == http.StatusOK {
						break
					}
					// 409 means the quorum is not met yet, wait for
					// trustees and try again. Anything else is fatal.
					if status != http.StatusConflict {
						log.Fatal().Int("status", status).Int64("step", id).
							Str("body", string(body)).Msg("Step rejected")
					}
					time.Sleep(pollInterval)
				}
				bar.Increment()
			}
			bar.Finish()
			log.Info().Str("execution", executionID).Msg("Execution completed")
		},
	}

	cmd.Flags().StringVar(&baseURL, "backend", "http://localhost:8350", "Base URL of the backend API")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&eventID, "event", "", "Election event id")
	cmd.Flags().StringVar(&executionID, "execution", "", "Tally execution id")
	cmd.Flags().DurationVar(&pollInterval, "poll", 2*time.Second, "How long to wait between quorum retries")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("event")
	cmd.MarkFlagRequired("execution")
	rootCmd.AddCommand(cmd)
}

type client struct {
	http *http.Client
	base string
}

// execution is the subset of the execution record the driver needs.
type execution struct {
	Status           string `json:"status"`
	CurrentMessageID int64  `json:"currentMessageId"`
	FailureReason    string `json:"failureReason"`
	SubSessions      []struct {
		ID string `json:"id"`
	} `json:"subSessions"`
}

func (c *client) getExecution(id string) (*execution, error) {
	res, err := c.http.Get(fmt.Sprintf("%s/executions/%s/", c.base, id))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("backend returned %d: %s", res.StatusCode, body)
	}
	e := &execution{}
	if err := json.NewDecoder(res.Body).Decode(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *client) executeStep(id string, messageID int64) (int, []byte, error) {
	url := fmt.Sprintf("%s/executions/%s/steps/%d", c.base, id, messageID)
	res, err := c.http.Post(url, "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res.StatusCode, body, nil
}
