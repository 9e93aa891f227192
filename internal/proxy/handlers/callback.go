package handlers

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/logging"
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>{{if .OK}}Login Successful{{else}}Login Failed{{end}}</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; }
		.success { color: #4ade80; }
		.failure { color: #f87171; }
		code { background: #374151; padding: 2px 6px; border-radius: 4px; color: #fbbf24; }
		.hint { color: #9ca3af; margin-top: 20px; }
	</style>
</head>
<body>
{{- if .OK}}
	<h1 class="success">Login Successful</h1>
	<p><strong>Login:</strong> {{.DisplayName}}</p>
	<p><strong>ID:</strong> <code>{{.LoginID}}</code></p>
	{{if .Selected}}<p>This login is now selected.</p>{{end}}
	<p class="hint">You can close this window.</p>
{{- else}}
	<h1 class="failure">Login Failed</h1>
	<p>{{.Message}}</p>
	<p class="hint">Start the login again from the application.</p>
{{- end}}
</body>
</html>
`))

type callbackView struct {
	OK          bool
	DisplayName string
	LoginID     string
	Selected    bool
	Message     string
}

// CallbackHandler handles GET /auth/provider/callback, the redirect target
// registered with the provider.
func CallbackHandler(flow AuthFlow, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		log := logging.FromContext(r.Context(), logger)

		if providerErr := q.Get("error"); providerErr != "" {
			log.Warn("provider denied authorization", "error", providerErr, "description", q.Get("error_description"))
			renderCallback(w, http.StatusBadRequest, callbackView{Message: "The provider denied the authorization: " + providerErr})
			return
		}
		code, state := q.Get("code"), q.Get("state")
		if code == "" || state == "" {
			renderCallback(w, http.StatusBadRequest, callbackView{Message: "The callback is missing its code or state."})
			return
		}

		done, err := flow.CompleteCallback(r.Context(), code, state, q.Get("display_name"))
		if err != nil {
			status := autherr.HTTPStatus(err)
			log.Warn("authorization callback failed", "code", autherr.Code(err), "error", err)
			msg := "The login could not be completed."
			if autherr.IsRetryable(err) {
				msg = "The provider is unavailable. Please try again shortly."
			}
			renderCallback(w, status, callbackView{Message: msg})
			return
		}

		renderCallback(w, http.StatusOK, callbackView{
			OK:          true,
			DisplayName: done.DisplayName,
			LoginID:     done.LoginID,
			Selected:    done.Selected,
		})
	}
}

func renderCallback(w http.ResponseWriter, status int, view callbackView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = callbackPage.Execute(w, view)
}
