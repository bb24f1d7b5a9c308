package usecase

import (
	"strings"

	"chat-relay/internal/domain"
)

var industries = []string{
	"Manufacturing",
	"Retail",
	"Financial services",
	"Healthcare",
	"Information technology",
	"Education",
	"Logistics",
	"Energy",
	"Real estate",
	"Hospitality",
	"Agriculture",
	"Public sector",
}

var roles = []string{
	"Founder",
	"Chief executive",
	"General manager",
	"Department head",
	"Product manager",
	"Sales manager",
	"Marketing manager",
	"Operations manager",
	"Finance manager",
	"Human resources manager",
	"Engineer",
	"Consultant",
}

// PromptContext is everything a scenario is rendered against besides the
// scenario itself.
type PromptContext struct {
	Account  domain.Account
	Advisors []string
	Summary  string
	History  []string
	Detail   string
}

// BuildRounds renders one prompt round per scenario message template. Every
// round shares the same preamble; only round 0 restates the free-text detail.
// lastReply, when set, is carried in the memory message after the history.
func BuildRounds(sc domain.Scenario, pc PromptContext, lastReply string) []domain.PromptRound {
	memory := memoryText(pc.Summary, pc.History, lastReply)
	facts := profileFacts(sc, pc)

	rounds := make([]domain.PromptRound, 0, len(sc.Messages))
	for i, tmpl := range sc.Messages {
		question := renderTemplate(tmpl, pc.Detail)
		messages := []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: strings.TrimSpace(sc.System)},
		}
		slot := -1
		if memory != "" {
			slot = len(messages)
			messages = append(messages, domain.ChatMessage{Role: domain.RoleAssistant, Content: memory})
		}
		messages = append(messages,
			domain.ChatMessage{Role: domain.RoleUser, Content: facts},
			domain.ChatMessage{Role: domain.RoleUser, Content: question},
		)
		if i == 0 && strings.TrimSpace(pc.Detail) != "" {
			messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: restatement(pc.Detail)})
		}
		rounds = append(rounds, domain.PromptRound{
			Index:      i,
			Question:   question,
			Messages:   messages,
			MemorySlot: slot,
		})
	}
	return rounds
}

const (
	summaryHeader = "Summary of our conversation so far:\n"
	historyHeader = "Recent turns:\n"
)

func memoryText(summary string, history []string, lastReply string) string {
	var parts []string
	if s := strings.TrimSpace(summary); s != "" {
		parts = append(parts, summaryHeader+s)
	}
	if len(history) > 0 {
		parts = append(parts, historyHeader+strings.Join(history, "\n"))
	}
	if r := strings.TrimSpace(lastReply); r != "" {
		parts = append(parts, "My last reply:\n"+r)
	}
	return strings.Join(parts, "\n\n")
}

func profileFacts(sc domain.Scenario, pc PromptContext) string {
	lines := []string{
		"About me:",
		"Name: " + pc.Account.Name,
		"Organization: " + pc.Account.Organization,
		"Industry: " + lookup(industries, pc.Account.Industry),
		"Role: " + lookup(roles, pc.Account.Role),
	}
	if sc.RequiresContext(domain.RequireAdvisors) && len(pc.Advisors) > 0 {
		lines = append(lines, "Advisors: "+strings.Join(pc.Advisors, ", "))
	}
	return strings.Join(lines, "\n")
}

func renderTemplate(tmpl, detail string) string {
	return strings.ReplaceAll(tmpl, domain.DetailPlaceholder, strings.TrimSpace(detail))
}

func restatement(detail string) string {
	return "To restate what I am asking about: " + strings.TrimSpace(detail)
}

func lookup(table []string, i int) string {
	if i < 0 || i >= len(table) {
		return ""
	}
	return table[i]
}

// missingContext names the first profile field a scenario requires but the
// account lacks.
func missingContext(sc domain.Scenario, acct domain.Account) string {
	for _, flag := range sc.Requires {
		switch flag {
		case domain.RequireOrganization:
			if strings.TrimSpace(acct.Organization) == "" {
				return flag
			}
		case domain.RequireIndustry:
			if lookup(industries, acct.Industry) == "" {
				return flag
			}
		case domain.RequireRole:
			if lookup(roles, acct.Role) == "" {
				return flag
			}
		}
	}
	return ""
}
