package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/sessiond/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"secs": func(n int64) string {
		return (time.Duration(n) * time.Second).String()
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>sessiond</title>
<style>
body { font-family: monospace; max-width: 900px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.authenticated, .connected { color: green; font-weight: bold; }
.connecting, .disconnected { color: orange; }
.logged_out, .error { color: red; }
.pending { color: #888; font-size: 0.9em; }
</style>
</head>
<body>
<h1>sessiond{{if .Config.Version}} <small>{{.Config.Version}}</small>{{end}}</h1>

<h2>Sessions ({{.Stats.Total}})</h2>
{{if .Sessions}}<table>
<tr><th>Identity</th><th>State</th><th>Device</th><th>Uptime</th><th>Reconnects</th><th>Pairing</th></tr>
{{range .Sessions}}<tr>
<td>{{.Identity}}</td>
<td class="{{.State}}">{{.State}}{{if .PendingState}} <span class="pending">&rarr; {{.PendingState}}</span>{{end}}</td>
<td>{{.DeviceName}}</td>
<td>{{secs .UptimeSeconds}}</td>
<td>{{.ReconnectAttempts}}</td>
<td>{{if .PairingCode}}{{.PairingCode}}{{else if .Authorized}}linked{{else}}-{{end}}{{if .PairingNumber}} ({{.PairingNumber}}){{end}}</td>
</tr>
{{end}}</table>{{else}}<p>No sessions.</p>{{end}}

<h2>Totals</h2>
<table>
<tr><th>Authenticated</th><td>{{.Stats.Authenticated}}</td></tr>
<tr><th>Connected</th><td>{{.Stats.Connected}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}error{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}} {{.Config.Broker}}</td></tr>
<tr><th>Store</th><td>{{.Config.StoreDriver}}</td></tr>
<tr><th>Gateway</th><td>{{.Config.Gateway}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Monitor</th><td>{{.Config.MonitorMs}}ms (window {{.Config.MonitorWindowMs}}ms)</td></tr>
<tr><th>Event window</th><td>{{.Config.EventWindowMs}}ms</td></tr>
<tr><th>Autosave</th><td>{{.Config.AutosaveMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> &middot; <a href="/sessions">sessions</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
