package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cortex/internal/bus"
	"cortex/internal/httpclient"
)

const maxAgentBody int64 = 1 << 20

// runAgent forwards the job's instruction to the brain's chat endpoint and
// returns the assistant's reply. The brain does the thinking; this runner
// only exists so schedules and other workers can ask for it.
func (w *Worker) runAgent(ctx context.Context, env bus.JobDispatch) (string, error) {
	instruction := strings.TrimSpace(env.Job)
	if instruction == "" {
		return "", errors.New("agent job carries no instruction")
	}
	base := strings.TrimRight(strings.TrimSpace(w.cfg.BrainURL), "/")
	if base == "" {
		return "", errors.New("agent jobs need a configured brain url")
	}

	payload, err := json.Marshal(map[string]string{
		"message": instruction,
		"channel": "worker",
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.AgentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.AuthToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reach brain: %w", err)
	}
	body, err := httpclient.ReadBody(resp, maxAgentBody)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("brain answered status %d: %s", resp.StatusCode, logClip(string(body)))
	}

	var reply struct {
		Response       string `json:"response"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", fmt.Errorf("decode brain reply: %w", err)
	}
	if strings.TrimSpace(reply.Response) == "" {
		return "", errors.New("brain returned an empty reply")
	}
	return reply.Response, nil
}
