package api

import (
	"net/http"

	"github.com/siteflow/siteflow/internal/provision"
)

// @Summary Template catalog
// @Description Lists the provisionable site templates and their stacks
// @Produce json
// @Success 200 {object} map[string][]provision.Template
// @Router /api/provision/templates [get]
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string][]provision.Template{"templates": provision.Templates()})
}

type detectRequest struct {
	GitURL string `json:"git_url"`
	Path   string `json:"path"`
}

// @Summary Detect project type
// @Description Classifies a repository or remote path by framework markers
// @Accept json
// @Produce json
// @Param body body detectRequest true "Git URL or remote path to inspect"
// @Success 200 {object} provision.Detection
// @Router /api/provision/detect [post]
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	det, err := s.prov.Detect(r.Context(), req.GitURL, req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, det)
}

// @Summary Create site
// @Description Provisions a new site: directory, compose stack, proxy route, DNS, monitor
// @Accept json
// @Produce json
// @Param body body provision.CreateRequest true "Site to create"
// @Success 200 {object} provision.CreateResult
// @Failure 400 {object} errorResponse
// @Failure 409 {object} errorResponse "Site already exists"
// @Failure 500 {object} errorResponse "Provisioning failed and was rolled back"
// @Router /api/provision/ [post]
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provision.CreateRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.prov.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, result)
}

// @Summary Remove site
// @Description Deprovisions a site: containers, route, DNS, monitor, optionally files
// @Accept json
// @Produce json
// @Param body body provision.DeprovisionRequest true "Site to remove"
// @Success 200 {object} provision.DeprovisionResult
// @Failure 404 {object} errorResponse "Site not found"
// @Router /api/provision/ [delete]
func (s *Server) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	var req provision.DeprovisionRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.prov.Deprovision(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, result)
}
