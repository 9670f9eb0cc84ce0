package estimator

import (
	"fmt"
	"strings"

	"github.com/npezzotti/pointing-poker/internal/types"
)

const estimateSystemPrompt = `You are an experienced agile engineer taking part in a planning poker session.
Estimate the work item in story points using the deck 0.5, 1, 2, 3, 5, 8, 13, 21.
Reply with a single JSON object and nothing else:
{"points": <number>, "confidence": "low"|"medium"|"high", "reasoning": "<two or three sentences>", "risks": ["<risk>", ...]}`

// ChatSystemPrompt frames the copilot in the room chat.
const ChatSystemPrompt = `You are the AI copilot in a planning poker room. Answer questions about the
work item under discussion briefly and concretely. Several people may have
written since your last reply; address them together in one answer.`

const maxDescriptionLen = 4000

func issuePrompt(issue types.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Key: %s\n", issue.Key)
	fmt.Fprintf(&b, "Summary: %s\n", issue.Summary)
	if issue.IssueType != "" {
		fmt.Fprintf(&b, "Type: %s\n", issue.IssueType)
	}
	if issue.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", issue.Priority)
	}
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}

	desc := issue.Description
	if len(desc) > maxDescriptionLen {
		desc = desc[:maxDescriptionLen] + "..."
	}
	if desc != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", desc)
	}

	if len(issue.LinkedIssues) > 0 {
		b.WriteString("\nLinked issues:\n")
		for _, l := range issue.LinkedIssues {
			fmt.Fprintf(&b, "- %s %s: %s\n", l.Type, l.Key, l.Summary)
		}
	}

	if len(issue.Comments) > 0 {
		b.WriteString("\nComments:\n")
		for _, c := range issue.Comments {
			fmt.Fprintf(&b, "- %s: %s\n", c.Author, c.Body)
		}
	}

	return b.String()
}
