package httpserver

import (
	_ "embed"
	"html/template"
	"net/http"
)

//go:embed status.html
var statusPageHTML string

var statusPage = template.Must(template.New("status").Parse(statusPageHTML))

type statusPageData struct {
	UserCount int
	Commit    string
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	data := statusPageData{UserCount: s.clientCount(), Commit: s.build.Commit}
	if err := statusPage.Execute(w, data); err != nil {
		s.log.Error("render status page failed", "err", err)
	}
}
