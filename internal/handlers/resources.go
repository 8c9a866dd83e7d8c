package handlers

import (
	"fmt"
	"net/http"
)

// Resource is one operation offered on one endpoint.
type Resource struct {
	Endpoint    string `json:"endpoint"`
	Kind        string `json:"kind"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// resourceTable lists the per-endpoint operations. Pattern and description
// take the endpoint name.
var resourceTable = []struct {
	kind        string
	method      string
	pattern     string
	description string
}{
	{"read", http.MethodGet, "/api/v1/endpoints/%s/read", "Read a file or list a directory on %s"},
	{"command", http.MethodPost, "/api/v1/endpoints/%s/exec", "Run a shell command on %s"},
	{"logs", http.MethodGet, "/api/v1/endpoints/%s/logs", "Tail a log file on %s"},
}

func buildResources(names []string) []Resource {
	out := make([]Resource, 0, len(names)*len(resourceTable))
	for _, name := range names {
		for _, t := range resourceTable {
			out = append(out, Resource{
				Endpoint:    name,
				Kind:        t.kind,
				Method:      t.method,
				Path:        fmt.Sprintf(t.pattern, name),
				Description: fmt.Sprintf(t.description, name),
			})
		}
	}
	return out
}

func (s *Server) ListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resources)
}
