package collector

import (
	"fmt"
	"html/template"
	"net/http"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>studykit uploads</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: .4rem .8rem; border-bottom: 1px solid #ddd; }
th { background: #f5f5f5; }
.muted { color: #888; }
</style>
</head>
<body>
<h1>Uploads</h1>
<p class="muted">{{.Count}} participants &middot; <a href="/dashboard?logout=1">log out</a></p>
{{if .Rows}}
<table>
<tr><th>Participant</th><th>Study</th><th>Records</th><th>Uploads</th><th>Size</th><th>Last received</th></tr>
{{range .Rows}}
<tr>
<td><a href="{{.Path}}">{{.UserKey}}</a></td>
<td>{{.StudyID}}</td>
<td>{{.Records}}</td>
<td>{{.UploadCount}}</td>
<td>{{.Size}}</td>
<td>{{.ReceivedAt}}</td>
</tr>
{{end}}
</table>
{{else}}
<p>No uploads yet.</p>
{{end}}
</body>
</html>
`))

type dashboardRow struct {
	UserKey     string
	StudyID     string
	Records     int
	UploadCount int
	Size        string
	ReceivedAt  string
	Path        string
}

type dashboardData struct {
	Count int
	Rows  []dashboardRow
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	// Handle logout
	if r.URL.Query().Get("logout") == "1" {
		http.SetCookie(w, &http.Cookie{
			Name:   tokenCookieName,
			Value:  "",
			Path:   "/",
			MaxAge: -1,
		})
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}

	uploads, err := s.store.ListUploads(r.Context())
	if err != nil {
		http.Error(w, "Failed to load uploads", http.StatusInternalServerError)
		return
	}

	data := dashboardData{Count: len(uploads)}
	for _, u := range uploads {
		data.Rows = append(data.Rows, dashboardRow{
			UserKey:     u.UserKey,
			StudyID:     u.StudyID,
			Records:     u.Records,
			UploadCount: u.UploadCount,
			Size:        formatBytes(u.Bytes),
			ReceivedAt:  u.ReceivedAt.Format("Jan 2, 2006 15:04"),
			Path:        documentPath(u.UserKey),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.log.Error("failed to render dashboard", "error", err)
	}
}

func formatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
