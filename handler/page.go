package handler

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"aha-chat/internal/domain"
)

//go:embed page.html.tmpl
var pageSource string

var pageTemplate = template.Must(template.New("page").Parse(pageSource))

type modelOption struct {
	domain.ModelConfig
	Selected bool
	Upper    int
}

const (
	pageTitle        = "@ Aha AI Chat Exam..."
	headerIcon       = "🧠"
	headerTitle      = "Get wow with my chat"
	inputPlaceholder = "Enter your message..."
)

type pageData struct {
	PageTitle       string
	Icon            string
	Title           string
	Placeholder     string
	Models          []modelOption
	Active          domain.RequestConfig
	MinTokens       int
	StepTokens      int
	UpperTokens     int
	MaxTokensHelp   string
	Messages        []pageMessage
	UserAvatar      string
	AssistantAvatar string
}

type pageMessage struct {
	Role   domain.Role
	Avatar string
	HTML   template.HTML
}

func maxTokensHelp(upper int) string {
	return fmt.Sprintf("Adjust the maximum number of tokens (words) for the model's response. Max for selected model: %d", upper)
}

func (h *Handler) page(_ context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	active := req.session.Config()
	data := pageData{
		PageTitle:       pageTitle,
		Icon:            headerIcon,
		Title:           headerTitle,
		Placeholder:     inputPlaceholder,
		Active:          active,
		MinTokens:       domain.MinMaxTokens,
		StepTokens:      domain.MaxTokensStep,
		UserAvatar:      avatar(domain.RoleUser),
		AssistantAvatar: avatar(domain.RoleAssistant),
	}
	for _, m := range domain.Catalog() {
		opt := modelOption{ModelConfig: m, Selected: m.ID == active.ModelID, Upper: m.UpperMaxTokens()}
		if opt.Selected {
			data.UpperTokens = opt.Upper
		}
		data.Models = append(data.Models, opt)
	}
	data.MaxTokensHelp = maxTokensHelp(data.UpperTokens)
	for _, m := range req.session.Visible() {
		data.Messages = append(data.Messages, pageMessage{
			Role:   m.Role,
			Avatar: avatar(m.Role),
			HTML:   h.markdown.ToHTML(m.Content),
		})
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		req.log.Error("failed to render page", "err", err)
		return h.jsonResponse(req, http.StatusInternalServerError, errorResponse{Error: errorInternal})
	}
	resp := h.baseResponse(req, http.StatusOK)
	resp.Headers["Content-Type"] = "text/html; charset=utf-8"
	resp.Body = &buf
	return resp
}
