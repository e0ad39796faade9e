// ABOUTME: POST /telegram/webhook: secret-token check, then hands the update to the processor.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/matipre/chatrelay/internal/telegram"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

type webhookInput struct {
	SecretToken string `header:"X-Telegram-Bot-Api-Secret-Token"`
	Body        telegram.Update
}

type webhookOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

func registerWebhookRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "telegram-webhook",
		Method:      http.MethodPost,
		Path:        "/telegram/webhook",
		Summary:     "Receive a Telegram update",
		Description: "Accepts one Bot API update and enqueues its text message for processing.",
		Tags:        []string{"Telegram"},
	}, webhookHandler(srv))
}

func webhookHandler(srv *Server) func(context.Context, *webhookInput) (*webhookOutput, error) {
	return func(ctx context.Context, input *webhookInput) (*webhookOutput, error) {
		if srv.secret != "" &&
			subtle.ConstantTimeCompare([]byte(input.SecretToken), []byte(srv.secret)) != 1 {
			slog.WarnContext(ctx, "webhook: invalid secret token")
			return nil, huma.Error401Unauthorized("invalid secret token")
		}

		slog.InfoContext(ctx, "received webhook update", "update_id", input.Body.UpdateID)
		if err := srv.proc.ProcessUpdate(ctx, input.Body); err != nil {
			slog.ErrorContext(ctx, "webhook: error processing update", "update_id", input.Body.UpdateID, "error", err)
			// A non-2xx makes Telegram redeliver the update later.
			return nil, huma.Error503ServiceUnavailable("update could not be queued")
		}

		out := &webhookOutput{}
		out.Body.OK = true
		return out, nil
	}
}
