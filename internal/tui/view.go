package tui

import (
	"fmt"
	"strings"

	"aha-chat/internal/domain"
)

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("🧠 Get wow with my chat"))
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(m.statusLine()))
	b.WriteString("\n\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
	}
	b.WriteString("\n")
	if m.streaming {
		b.WriteString(m.spinner.View() + " thinking...")
	} else {
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter send · tab model · ctrl+↑/↓ max tokens · pgup/pgdown scroll · esc quit"))
	return b.String()
}

func (m *Model) statusLine() string {
	cfg := m.session.Config()
	model, ok := domain.LookupModel(cfg.ModelID)
	if !ok {
		model = domain.DefaultModel()
	}
	return fmt.Sprintf("Model: %s (%s) · Max tokens: %d of %d", model.DisplayName, model.Developer, cfg.MaxTokens, model.UpperMaxTokens())
}

func (m *Model) transcriptView() string {
	var b strings.Builder
	for _, msg := range m.session.Visible() {
		b.WriteString(roleMarker(msg.Role))
		b.WriteString("\n")
		b.WriteString(m.renderContent(msg))
		b.WriteString("\n")
	}
	if m.streaming {
		b.WriteString(roleMarker(domain.RoleAssistant))
		b.WriteString("\n")
		b.WriteString(m.live.String())
		b.WriteString(m.spinner.View())
		b.WriteString("\n")
	}
	return b.String()
}

func roleMarker(role domain.Role) string {
	if role == domain.RoleUser {
		return userStyle.Render("👨‍💻 You")
	}
	return assistantStyle.Render("🤖 Assistant")
}

// renderContent draws both user and assistant turns as markdown.
func (m *Model) renderContent(msg domain.ChatMessage) string {
	if m.markdown == nil {
		return msg.Content
	}
	out, err := m.markdown.Render(msg.Content)
	if err != nil {
		return msg.Content
	}
	return strings.TrimRight(out, "\n")
}
