package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/animus-coder/taskplane/internal/contract"
	"github.com/animus-coder/taskplane/internal/llm"
)

const (
	implementerSystem = "You are the implementer for task %s (%s). Produce a complete, reviewable change."
	judgeSystem       = "You are the judge for task %s (%s). Review the draft strictly. " +
		"End your answer with a single line: VERDICT: APPROVE or VERDICT: REJECT."
	rebuttalSystem = "You are the implementer for task %s (%s). The judge asked for a rebuttal. " +
		"Address each objection or revise the change."
)

// promptText returns --prompt, or the content of --prompt-file.
func promptText(prompt, file string) (string, error) {
	if file != "" {
		if prompt != "" {
			return "", errors.New("use either --prompt or --prompt-file")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		prompt = string(data)
	}
	return strings.TrimSpace(prompt), nil
}

func draftMessages(c *contract.Contract, instructions string) []llm.ChatMessage {
	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(implementerSystem, c.TaskID, c.Title)},
		{Role: llm.RoleUser, Content: instructions},
	}
}

// judgeMessages hands the latest draft to the judge.
func judgeMessages(c *contract.Contract, instructions string) []llm.ChatMessage {
	body := "Draft under review:\n\n" + c.LastOutput()
	if instructions != "" {
		body += "\n\nReview focus:\n" + instructions
	}
	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(judgeSystem, c.TaskID, c.Title)},
		{Role: llm.RoleUser, Content: body},
	}
}

// rebuttalMessages quotes the judge's last output and the rebuttal request.
func rebuttalMessages(c *contract.Contract, instructions string) []llm.ChatMessage {
	var reason string
	if n := len(c.History); n > 0 {
		reason = c.History[n-1].Reason
	}
	body := "Judge feedback:\n\n" + c.LastOutput()
	if reason != "" {
		body += "\n\nRebuttal requested: " + reason
	}
	if instructions != "" {
		body += "\n\n" + instructions
	}
	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(rebuttalSystem, c.TaskID, c.Title)},
		{Role: llm.RoleUser, Content: body},
	}
}
