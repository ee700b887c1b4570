package flow

import (
	"html/template"
	"net/http"

	"github.com/quillcms/authgate/pkg/logger"
)

// The interactive pages are deliberately tiny: the gateway is not a UI, it
// only needs enough markup to bridge popup and iframe flows and to give the
// user somewhere to land after logout.

var popupBootstrapTmpl = template.Must(template.New("popup-bootstrap").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<p>Sign-in opens in a new window.</p>
<script>
window.open({{.LoginURL}}, "quill-login", "width=480,height=640");
</script>
</body>
</html>`))

var popupCloseTmpl = template.Must(template.New("popup-close").Parse(`<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body>
<script>
if (window.opener) {
	window.opener.postMessage("quill:login-complete", {{.Origin}});
}
window.close();
</script>
<p>You are signed in. You can close this window.</p>
</body>
</html>`))

var loggedOutTmpl = template.Must(template.New("logged-out").Parse(`<!DOCTYPE html>
<html>
<head><title>Signed out</title></head>
<body>
<h1>You have been signed out.</h1>
<p><a href="{{.LoginURL}}">Sign in again</a></p>
</body>
</html>`))

var tenantSwitchWarnTmpl = template.Must(template.New("tenant-switch-warn").Parse(`<!DOCTYPE html>
<html>
<head><title>Switch workspace</title></head>
<body>
<h1>You are about to switch workspaces.</h1>
<p>Continuing signs you out of your current workspace.</p>
<p><a href="{{.SwitchURL}}">Continue</a></p>
</body>
</html>`))

func renderPage(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := tmpl.Execute(w, data); err != nil {
		logger.Errorw("failed to render page", "template", tmpl.Name(), "error", err)
	}
}
