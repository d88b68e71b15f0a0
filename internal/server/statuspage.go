package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
<title>keypool</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; margin-top: 1em; }
th, td { border: 1px solid #ccc; padding: 0.4em 0.8em; text-align: left; }
th { background: #f5f5f5; }
.muted { color: #888; }
</style>
</head>
<body>
<h1>keypool</h1>
<p>Provider: <strong>{{.Provider}}</strong> &middot; Uptime: {{.Uptime}}</p>
<p>Pool: {{.Total}} credentials, {{.Available}} available</p>
<table>
<tr><th>Key</th><th>Calls today</th><th>Throttles today</th></tr>
{{range .Keys}}<tr><td>{{.Display}}</td><td>{{.Calls}}</td><td>{{.Throttles}}</td></tr>
{{else}}<tr><td colspan="3" class="muted">no activity today</td></tr>
{{end}}
</table>
</body>
</html>
`))

type statusRow struct {
	Display   string
	Calls     int64
	Throttles int64
}

type statusData struct {
	Provider  string
	Uptime    string
	Total     int
	Available int
	Keys      []statusRow
}

// StatusPage renders the human-readable landing page. Only display forms
// appear; raw credential material never does.
func (h *Handler) StatusPage(c *gin.Context) {
	ctx := c.Request.Context()
	data := statusData{Uptime: time.Since(h.startedAt).Round(time.Second).String()}
	if prov := h.cfg.Provider(); prov != nil {
		data.Provider = prov.Name
	}

	total, err := h.deps.Store.Count(ctx)
	if err == nil {
		data.Total = total
	}
	creds, err := h.deps.HotCache.Available(ctx)
	if err == nil {
		data.Available = len(creds)
		for _, cred := range creds {
			calls, throttles := h.deps.HotCache.StatFor(cred.ID)
			if calls == 0 && throttles == 0 {
				continue
			}
			data.Keys = append(data.Keys, statusRow{Display: cred.Display, Calls: calls, Throttles: throttles})
		}
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = statusTemplate.Execute(c.Writer, data)
}
